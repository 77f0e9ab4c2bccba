package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/TangGee/mcp-session"
)

// LiveDataURI is the resource that changes every live data interval.
const LiveDataURI = "resource://live-data"

const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

var staticContents = map[string][]mcp.ResourceContents{
	"example://document/1": {
		{
			URI:  "example://document/1#text",
			Text: "这是一个示例文档，用于展示 MCP 资源功能。\n\n资源可以包含纯文本内容，也可以包含二进制数据。",
		},
	},
	"example://image/1": {
		{
			URI:  "example://image/1#description",
			Text: "这是一个图片描述。下面是一个base64编码的小型图片示例 (1x1像素)",
		},
		{
			URI:      "example://image/1#image",
			MimeType: "image/png",
			Blob:     tinyPNG,
		},
	},
	"example://code/1": {
		{
			URI:  "example://code/1#code",
			Text: "```javascript\nfunction greeting(name) {\n  return `你好，${name}！`;\n}\n```",
		},
	},
	"resource://test-resource": {
		{
			URI:      "resource://test-resource",
			MimeType: "text/plain",
			Text:     "这是一个测试资源内容",
		},
	},
}

var staticResources = []mcp.Resource{
	{URI: "example://document/1", Name: "示例文档1", Description: "这是一个简单的文本文档示例"},
	{URI: "example://image/1", Name: "示例图片1", Description: "这是一个图片示例"},
	{URI: "example://code/1", Name: "示例代码1", Description: "这是一个代码示例"},
	{URI: "resource://test-resource", Name: "测试资源", MimeType: "text/plain"},
}

func (d *Demo) addResources(reg *mcp.Registry) error {
	for _, res := range staticResources {
		if err := reg.AddResource(res, d.readStatic); err != nil {
			return err
		}
	}

	err := reg.AddResource(mcp.Resource{
		URI:      LiveDataURI,
		Name:     "实时数据",
		MimeType: "application/json",
	}, d.readLiveData)
	if err != nil {
		return err
	}

	err = reg.AddResourceTemplate(mcp.ResourceTemplate{
		URITemplate: "greeting://{name}",
		Name:        "greeting",
		Description: "个性化问候语模板",
		MimeType:    "text/plain",
	}, d.readGreeting)
	if err != nil {
		return err
	}

	return d.addFiles(reg)
}

func (d *Demo) readStatic(_ context.Context, call *mcp.Call, uri string, _ map[string]string) (mcp.ReadResourceResult, error) {
	d.log(call, fmt.Sprintf("ReadResource: %s", uri))

	contents, ok := staticContents[uri]
	if !ok {
		return mcp.ReadResourceResult{}, mcp.Errorf(mcp.TagNotFound, "资源不存在: %s", uri)
	}
	return mcp.ReadResourceResult{Contents: contents}, nil
}

func (d *Demo) readGreeting(_ context.Context, call *mcp.Call, uri string, vars map[string]string) (mcp.ReadResourceResult, error) {
	d.log(call, fmt.Sprintf("ReadResource: %s", uri))

	name := vars["name"]
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      fmt.Sprintf("greeting://%s#content", name),
				MimeType: "text/plain",
				Text:     fmt.Sprintf("你好，%s！欢迎使用MCP资源服务。", name),
			},
		},
	}, nil
}

func (d *Demo) readLiveData(_ context.Context, call *mcp.Call, uri string, _ map[string]string) (mcp.ReadResourceResult, error) {
	d.log(call, fmt.Sprintf("ReadResource: %s", uri))

	d.mu.RLock()
	data := d.liveData
	d.mu.RUnlock()

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      uri,
				MimeType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}

// refreshLiveData replaces the live data on every tick and tells subscribers.
func (d *Demo) refreshLiveData(ctx context.Context, pub Publisher) {
	ticker := time.NewTicker(d.liveDataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			data := newLiveData(now)
			d.mu.Lock()
			d.liveData = data
			d.mu.Unlock()

			if n := pub.NotifyResourceUpdated(LiveDataURI); n > 0 {
				d.logger.Debug("live data updated", slog.Int("notified", n))
			}
		}
	}
}

func newLiveData(now time.Time) []byte {
	bs, _ := json.Marshal(struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	}{
		Timestamp: now.UnixMilli(),
		Value:     rand.Float64() * 100,
	})
	return bs
}

// addFiles registers every regular file directly inside the watch directory.
func (d *Demo) addFiles(reg *mcp.Registry) error {
	if d.watchDir == "" {
		return nil
	}
	entries, err := os.ReadDir(d.watchDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", d.watchDir, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(d.watchDir, entry.Name())
		uri, err := fileURI(path)
		if err != nil {
			return err
		}
		err = reg.AddResource(mcp.Resource{
			URI:      uri,
			Name:     entry.Name(),
			MimeType: "text/plain",
		}, d.readFile(path))
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Demo) readFile(path string) mcp.ResourceHandler {
	return func(_ context.Context, call *mcp.Call, uri string, _ map[string]string) (mcp.ReadResourceResult, error) {
		d.log(call, fmt.Sprintf("ReadResource: %s", uri))

		bs, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return mcp.ReadResourceResult{}, mcp.Errorf(mcp.TagNotFound, "资源不存在: %s", uri).With("uri", uri)
			}
			return mcp.ReadResourceResult{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return mcp.ReadResourceResult{
			Contents: []mcp.ResourceContents{
				{
					URI:      uri,
					MimeType: "text/plain",
					Text:     string(bs),
				},
			},
		}, nil
	}
}
