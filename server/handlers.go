package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/antihax/optional"
	"github.com/labstack/echo/v4"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
	"github.com/aliyun/aliyun-pai-featurestore-core/materialize"
	"github.com/aliyun/aliyun-pai-featurestore-core/metrics"
	"github.com/aliyun/aliyun-pai-featurestore-core/retrieval"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

// EventTimestampColumn names the spine timestamp in historical requests
// and responses.
const EventTimestampColumn = "event_timestamp"

type PushRequest struct {
	PushSourceName string                   `json:"push_source_name"`
	Records        []map[string]interface{} `json:"records"`
	To             string                   `json:"to"`
}

// FeaturesRequest selects features either by service or by "view:feature"
// refs.
type FeaturesRequest struct {
	FeatureService string   `json:"feature_service,omitempty"`
	Features       []string `json:"features,omitempty"`
}

type OnlineFeaturesRequest struct {
	FeaturesRequest
	// Entities holds the values of the join key, e.g. {"driver_id": [1001, 1002]}.
	Entities map[string][]interface{} `json:"entities"`
}

type OnlineFeaturesResponse struct {
	Results []map[string]interface{} `json:"results"`
}

type HistoricalFeaturesRequest struct {
	FeaturesRequest
	// EntityRows is the spine: the join key and event_timestamp of each row.
	EntityRows []map[string]interface{} `json:"entity_rows"`
}

type HistoricalFeaturesResponse struct {
	Columns []string                      `json:"columns"`
	Results []map[string]interface{}      `json:"results"`
	Status  []map[string]retrieval.Status `json:"status"`
}

type FeatureServiceResponse struct {
	Name         string   `json:"name"`
	JoinKey      string   `json:"join_key"`
	Features     []string `json:"features"`
	OutputNames  []string `json:"output_names"`
	FeatureViews []string `json:"feature_views"`
}

type LoadBatchRequest struct {
	FeatureView string    `json:"feature_view"`
	StartTs     time.Time `json:"start_ts,omitempty"`
	EndTs       time.Time `json:"end_ts,omitempty"`
}

type MaterializeRequest struct {
	FeatureViews []string   `json:"feature_views,omitempty"`
	StartTs      *time.Time `json:"start_ts,omitempty"`
	EndTs        time.Time  `json:"end_ts"`
}

type JobsResponse struct {
	Jobs []*materialize.Job `json:"jobs"`
}

type ApplyResponse struct {
	Project string `json:"project"`
	Version int64  `json:"version"`
}

func decode(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return badRequest("can not understand the requested json", err)
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	if _, err := s.client.GetProject(); err != nil {
		return httpError(err)
	}
	return c.String(http.StatusOK, "ok")
}

func (s *Server) exportMetrics(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
	c.Response().WriteHeader(http.StatusOK)
	metrics.WritePrometheus(c.Response())
	return nil
}

// apply takes a YAML repo as the request body.
func (s *Server) apply(c echo.Context) error {
	repo, err := api.ParseRepo(c.Request().Body)
	if err != nil {
		return badRequest("can not understand the requested repo", err)
	}
	p, err := s.client.Apply(repo)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ApplyResponse{Project: p.ProjectName, Version: p.Version})
}

func (s *Server) push(c echo.Context) error {
	req := new(PushRequest)
	if err := decode(c, req); err != nil {
		return err
	}
	if req.PushSourceName == "" {
		return badRequest("push_source_name is required", nil)
	}
	mode, err := constants.ParsePushMode(req.To)
	if err != nil {
		return badRequest("invalid to", err)
	}
	receipt, err := s.client.Push(c.Request().Context(), req.PushSourceName, req.Records, mode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, receipt)
}

func (s *Server) resolveService(req FeaturesRequest) (*domain.FeatureService, error) {
	switch {
	case req.FeatureService != "" && len(req.Features) > 0:
		return nil, badRequest("set one of feature_service and features", nil)
	case req.FeatureService != "":
		return s.client.GetFeatureService(req.FeatureService)
	case len(req.Features) > 0:
		p, err := s.client.GetProject()
		if err != nil {
			return nil, err
		}
		return p.ResolveFeatureRefs(req.Features)
	}
	return nil, badRequest("feature_service or features is required", nil)
}

func (s *Server) getOnlineFeatures(c echo.Context) error {
	req := new(OnlineFeaturesRequest)
	if err := decode(c, req); err != nil {
		return err
	}
	svc, err := s.resolveService(req.FeaturesRequest)
	if err != nil {
		return httpError(err)
	}
	if len(req.Entities) != 1 {
		return badRequest("entities must hold exactly the join key "+svc.GetJoinKey(), nil)
	}
	values, ok := req.Entities[svc.GetJoinKey()]
	if !ok {
		return badRequest("entities must hold exactly the join key "+svc.GetJoinKey(), nil)
	}
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = utils.ToString(v, "")
	}

	var results []map[string]interface{}
	if req.FeatureService != "" {
		results, err = s.client.GetOnlineFeatures(c.Request().Context(), req.FeatureService, keys)
	} else {
		results, err = s.client.GetOnlineFeaturesByRefs(c.Request().Context(), req.Features, keys)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, OnlineFeaturesResponse{Results: results})
}

func (s *Server) getHistoricalFeatures(c echo.Context) error {
	req := new(HistoricalFeaturesRequest)
	if err := decode(c, req); err != nil {
		return err
	}
	svc, err := s.resolveService(req.FeaturesRequest)
	if err != nil {
		return httpError(err)
	}
	spine, err := retrieval.SpineFromMaps(req.EntityRows, svc.GetJoinKey(), EventTimestampColumn)
	if err != nil {
		return httpError(err)
	}

	var result *retrieval.HistoricalResult
	if req.FeatureService != "" {
		result, err = s.client.GetHistoricalFeatures(c.Request().Context(), spine, req.FeatureService)
	} else {
		result, err = s.client.GetHistoricalFeaturesByRefs(c.Request().Context(), spine, req.Features)
	}
	if err != nil {
		return httpError(err)
	}
	resp := HistoricalFeaturesResponse{
		Columns: result.Columns,
		Results: result.ToMaps(),
		Status:  make([]map[string]retrieval.Status, len(result.Rows)),
	}
	for i, row := range result.Rows {
		resp.Status[i] = row.Status
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getFeatureService(c echo.Context) error {
	svc, err := s.client.GetFeatureService(c.Param("name"))
	if err != nil {
		return httpError(err)
	}
	resp := FeatureServiceResponse{
		Name:        svc.GetName(),
		JoinKey:     svc.GetJoinKey(),
		OutputNames: svc.OutputNames(),
	}
	for _, ref := range svc.Refs() {
		resp.Features = append(resp.Features, ref.String())
	}
	for _, featureView := range svc.FeatureViews() {
		resp.FeatureViews = append(resp.FeatureViews, featureView.Name)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) loadBatch(c echo.Context) error {
	req := new(LoadBatchRequest)
	if err := decode(c, req); err != nil {
		return err
	}
	receipt, err := s.client.LoadBatch(c.Request().Context(), req.FeatureView, req.StartTs, req.EndTs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, receipt)
}

func (s *Server) materialize(c echo.Context) error {
	req := new(MaterializeRequest)
	if err := decode(c, req); err != nil {
		return err
	}
	var start time.Time
	if req.StartTs != nil {
		start = *req.StartTs
	}
	if err := validateRange(start, req.EndTs); err != nil {
		return httpError(err)
	}
	jobs, err := s.client.MaterializeAll(c.Request().Context(), req.FeatureViews, start, req.EndTs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, JobsResponse{Jobs: jobs})
}

func (s *Server) materializeIncremental(c echo.Context) error {
	req := new(MaterializeRequest)
	if err := decode(c, req); err != nil {
		return err
	}
	opts := materialize.IncrementalOptions{Views: req.FeatureViews, End: req.EndTs}
	if req.StartTs != nil {
		opts.Start = optional.NewTime(*req.StartTs)
	}
	jobs, err := s.client.MaterializeIncremental(c.Request().Context(), opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, JobsResponse{Jobs: jobs})
}

func validateRange(start, end time.Time) error {
	if end.IsZero() {
		return api.NewError(api.CodeInvalidArgument, "end_ts is required")
	}
	if !start.IsZero() && end.Before(start) {
		return api.NewError(api.CodeInvalidArgument, "end_ts %s is before start_ts %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

func (s *Server) listJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, JobsResponse{Jobs: s.client.Jobs(c.QueryParam("feature_view"))})
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.client.GetJob(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, job)
}
