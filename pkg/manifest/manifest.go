// Package manifest 构建、存储并发布服务的路由清单
package manifest

import (
	"encoding/json"
	"fmt"
)

// ExcludedMetadataKeys 路由内部使用的元数据键，不会写入清单
var ExcludedMetadataKeys = []string{
	"handler", "middleware", "prefix", "group", "host", "where", "path",
}

// ReservedKeys 路由条目的固定字段
var ReservedKeys = []string{"method", "uri", "name"}

// Route 清单中的一条路由
type Route struct {
	Method   string         `validate:"required"`
	URI      string         `validate:"required"`
	Name     string
	Metadata map[string]any
}

// Manifest 服务自描述的路由清单
type Manifest struct {
	Service   string  `json:"service" validate:"required"`
	Routes    []Route `json:"routes" validate:"required,min=1,dive"`
	Timestamp string  `json:"timestamp" validate:"required"`
}

// MarshalJSON 把元数据平铺到路由对象中
func (r Route) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Metadata)+3)
	for k, v := range r.Metadata {
		out[k] = v
	}
	out["method"] = r.Method
	out["uri"] = r.URI
	if r.Name != "" {
		out["name"] = r.Name
	} else {
		delete(out, "name")
	}
	return json.Marshal(out)
}

// UnmarshalJSON 固定字段之外的键都归入Metadata
func (r *Route) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	route := Route{}
	for k, v := range raw {
		switch k {
		case "method", "uri", "name":
			if v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("路由字段 %s 必须是字符串", k)
			}
			switch k {
			case "method":
				route.Method = s
			case "uri":
				route.URI = s
			default:
				route.Name = s
			}
		default:
			if route.Metadata == nil {
				route.Metadata = make(map[string]any)
			}
			route.Metadata[k] = v
		}
	}

	*r = route
	return nil
}

// Key 路由的 "METHOD /uri" 标识
func (r Route) Key() string {
	return r.Method + " " + r.URI
}
