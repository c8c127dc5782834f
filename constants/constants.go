package constants

import (
	"fmt"
	"strings"
)

type FSType int

const (
	FS_INT32 FSType = iota + 1 // int32
	FS_INT64                   // int64
	FS_FLOAT
	FS_DOUBLE
	FS_STRING
	FS_BOOLEAN
	FS_TIMESTAMP
)

func (t FSType) String() string {
	switch t {
	case FS_INT32:
		return "INT32"
	case FS_INT64:
		return "INT64"
	case FS_FLOAT:
		return "FLOAT"
	case FS_DOUBLE:
		return "DOUBLE"
	case FS_STRING:
		return "STRING"
	case FS_BOOLEAN:
		return "BOOLEAN"
	case FS_TIMESTAMP:
		return "TIMESTAMP"
	default:
		return "UNKNOWN"
	}
}

// ParseFSType accepts the upper case names used in repo declarations.
func ParseFSType(s string) (FSType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INT32":
		return FS_INT32, nil
	case "INT64":
		return FS_INT64, nil
	case "FLOAT":
		return FS_FLOAT, nil
	case "DOUBLE", "FLOAT64":
		return FS_DOUBLE, nil
	case "STRING":
		return FS_STRING, nil
	case "BOOLEAN", "BOOL":
		return FS_BOOLEAN, nil
	case "TIMESTAMP", "UNIXTIMESTAMP":
		return FS_TIMESTAMP, nil
	}
	return 0, fmt.Errorf("unknown field type:%s", s)
}

func (t *FSType) UnmarshalText(text []byte) error {
	v, err := ParseFSType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t FSType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// batch and push source types
const (
	Datasource_Type_File  = "file"
	Datasource_Type_Query = "query"
	Datasource_Type_Push  = "push"
)

// online and offline store types
const (
	Datasource_Type_Memory     = "memory"
	Datasource_Type_Redis      = "redis"
	Datasource_Type_Mysql      = "mysql"
	Datasource_Type_Hologres   = "hologres"
	Datasource_Type_Postgres   = "postgres"
	Datasource_Type_TableStore = "tablestore"
)

const (
	File_Format_CSV   = "csv"
	File_Format_JSONL = "jsonl"
)

type PushMode string

const (
	PushMode_Online           PushMode = "online"
	PushMode_Offline          PushMode = "offline"
	PushMode_OnlineAndOffline PushMode = "online_and_offline"
)

func (m PushMode) WritesOnline() bool {
	return m == PushMode_Online || m == PushMode_OnlineAndOffline
}

func (m PushMode) WritesOffline() bool {
	return m == PushMode_Offline || m == PushMode_OnlineAndOffline
}

func ParsePushMode(s string) (PushMode, error) {
	switch PushMode(strings.ToLower(s)) {
	case PushMode_Online:
		return PushMode_Online, nil
	case PushMode_Offline:
		return PushMode_Offline, nil
	case PushMode_OnlineAndOffline, "":
		return PushMode_OnlineAndOffline, nil
	}
	return "", fmt.Errorf("unknown push mode:%s (should be one of online|offline|online_and_offline)", s)
}
