package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/TangGee/mcp-session"
)

var addSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "a": { "type": "number", "description": "第一个数字" },
    "b": { "type": "number", "description": "第二个数字" }
  }
}`)

var calculatorSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": { "type": "string", "description": "要计算的数学表达式，如 1 + 2 * 3" }
  },
  "required": ["expression"]
}`)

var longRunningOperationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": { "type": "number", "minimum": 0, "description": "操作持续时间（秒）" },
    "steps": { "type": "integer", "minimum": 1, "description": "操作的步骤数" }
  },
  "required": ["duration", "steps"]
}`)

var sampleLLMSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": { "type": "string", "description": "提示文本" },
    "maxTokens": { "type": "integer", "minimum": 1, "description": "生成的最大token数量" },
    "temperature": { "type": "number", "description": "采样温度" }
  },
  "required": ["prompt"]
}`)

type weatherArgs struct {
	City string `json:"city,omitempty" jsonschema:"城市名称，如北京、上海等"`
}

var weatherData = map[string]string{
	"北京": "晴朗，25°C",
	"上海": "多云，28°C",
	"广州": "小雨，30°C",
	"深圳": "阴天，29°C",
}

const (
	defaultSampleMaxTokens   = 100
	defaultSampleTemperature = 1.0
)

func (d *Demo) addTools(reg *mcp.Registry) error {
	weatherSchema, err := mcp.InputSchemaFor[weatherArgs]()
	if err != nil {
		return err
	}

	tools := []struct {
		tool    mcp.Tool
		handler mcp.ToolHandler
	}{
		{mcp.Tool{Name: "add", Description: "计算两个数字的和", InputSchema: addSchema}, d.callAdd},
		{mcp.Tool{Name: "weather", Description: "获取指定城市的天气信息", InputSchema: weatherSchema}, d.callWeather},
		{mcp.Tool{Name: "calculator", Description: "一个简单的计算器工具", InputSchema: calculatorSchema}, d.callCalculator},
		{
			mcp.Tool{
				Name:        "longRunningOperation",
				Description: "一个模拟长时间运行的操作，会发送进度通知",
				InputSchema: longRunningOperationSchema,
			},
			d.callLongRunningOperation,
		},
		{mcp.Tool{Name: "sampleLLM", Description: "发送提示到LLM进行采样", InputSchema: sampleLLMSchema}, d.callSampleLLM},
	}
	for _, t := range tools {
		if err := reg.AddTool(t.tool, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demo) callAdd(_ context.Context, call *mcp.Call, raw json.RawMessage) (mcp.CallToolResult, error) {
	d.log(call, "CallTool: add")

	var args struct {
		A *float64 `json:"a"`
		B *float64 `json:"b"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	if args.A == nil || args.B == nil {
		return errorResult("错误: 缺少数字参数"), nil
	}

	sum := *args.A + *args.B
	return textResult(fmt.Sprintf("%s + %s = %s", formatNumber(*args.A), formatNumber(*args.B), formatNumber(sum))), nil
}

func (d *Demo) callWeather(_ context.Context, call *mcp.Call, raw json.RawMessage) (mcp.CallToolResult, error) {
	d.log(call, "CallTool: weather")

	var args weatherArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	if args.City == "" {
		return errorResult("错误: 缺少城市参数"), nil
	}

	weather, ok := weatherData[args.City]
	if !ok {
		weather = "未找到该城市的天气信息"
	}
	return textResult(fmt.Sprintf("%s的天气: %s", args.City, weather)), nil
}

func (d *Demo) callCalculator(_ context.Context, call *mcp.Call, raw json.RawMessage) (mcp.CallToolResult, error) {
	d.log(call, "CallTool: calculator")

	var args struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	result, err := evaluate(args.Expression)
	if err != nil {
		return errorResult(fmt.Sprintf("计算错误: %s", err)), nil
	}
	return textResult(fmt.Sprintf("计算结果: %s", formatNumber(result))), nil
}

// callLongRunningOperation checks for cancellation before every step and reports progress after
// it, so a cancelled call stops at the next step boundary.
func (d *Demo) callLongRunningOperation(ctx context.Context, call *mcp.Call, raw json.RawMessage) (mcp.CallToolResult, error) {
	d.log(call, "CallTool: longRunningOperation")

	var args struct {
		Duration float64 `json:"duration"`
		Steps    int     `json:"steps"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	stepDuration := time.Duration(args.Duration * float64(100*time.Millisecond) / float64(args.Steps))
	for i := 1; i <= args.Steps; i++ {
		if err := call.Checkpoint(); err != nil {
			return mcp.CallToolResult{}, err
		}

		timer := time.NewTimer(stepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return mcp.CallToolResult{}, call.Checkpoint()
		case <-timer.C:
		}

		d.logger.Debug("long running operation progress",
			slog.Int("step", i),
			slog.Int("steps", args.Steps))
		call.ReportProgress(float64(i), float64(args.Steps))
	}

	return textResult(fmt.Sprintf("操作已完成，共%d个步骤，耗时%s秒", args.Steps, formatNumber(args.Duration))), nil
}

func (d *Demo) callSampleLLM(ctx context.Context, call *mcp.Call, raw json.RawMessage) (mcp.CallToolResult, error) {
	d.log(call, "CallTool: sampleLLM")

	args := struct {
		Prompt      string  `json:"prompt"`
		MaxTokens   int     `json:"maxTokens"`
		Temperature float64 `json:"temperature"`
	}{
		MaxTokens:   defaultSampleMaxTokens,
		Temperature: defaultSampleTemperature,
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	result, err := call.CreateMessage(ctx, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: args.Prompt,
				},
			},
		},
		MaxTokens:   args.MaxTokens,
		Temperature: args.Temperature,
	})
	if err != nil {
		if mcp.ErrorTagOf(err) == mcp.TagCancelled {
			return mcp.CallToolResult{}, err
		}
		d.logger.Warn("sampling failed", slog.String("err", err.Error()))
		return errorResult(fmt.Sprintf("采样错误: %s", err)), nil
	}
	return textResult(result.Content.Text), nil
}

// log mirrors a handler event to the process log and to the client's log stream.
func (d *Demo) log(call *mcp.Call, msg string) {
	d.logger.Debug(msg, slog.String("sessionID", call.SessionID()))
	call.Log(mcp.LogLevelDebug, loggerName, msg)
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}

func errorResult(text string) mcp.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}

// formatNumber prints integral values without a fraction, so 8 is "8" and 2.5 is "2.5".
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
