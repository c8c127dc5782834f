package ots

import (
	"fmt"
	"sync"

	"github.com/aliyun/aliyun-tablestore-go-sdk/tablestore"
)

type OTSClient struct {
	client       *tablestore.TableStoreClient
	endpoint     string
	instanceName string
}

var otsInstances sync.Map

// RegisterOTSClient creates a tablestore client under name unless one with
// the same endpoint and instance is already registered.
func RegisterOTSClient(name, endpoint, instanceName, accessKeyId, accessKeySecret string) *OTSClient {
	if value, ok := otsInstances.Load(name); ok {
		if o, ok2 := value.(*OTSClient); ok2 && o.endpoint == endpoint && o.instanceName == instanceName {
			return o
		}
	}
	p := &OTSClient{
		client:       tablestore.NewClient(endpoint, instanceName, accessKeyId, accessKeySecret),
		endpoint:     endpoint,
		instanceName: instanceName,
	}
	otsInstances.Store(name, p)
	return p
}

func GetOTSClient(name string) (*OTSClient, error) {
	value, ok := otsInstances.Load(name)
	if !ok {
		return nil, fmt.Errorf("OTSClient not found, name:%s", name)
	}

	return value.(*OTSClient), nil
}

func RemoveOTSClient(name string) {
	otsInstances.Delete(name)
}

func (o *OTSClient) GetClient() *tablestore.TableStoreClient {
	return o.client
}
