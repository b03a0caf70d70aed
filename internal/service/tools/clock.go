package tools

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/getkin/kin-openapi/openapi3"
)

// ClockTool local_time：返回指定时区的当前时间，不依赖外部服务。
func ClockTool(now func() time.Time) Descriptor {
	if now == nil {
		now = time.Now
	}

	tz := openapi3.NewStringSchema()
	tz.Description = "IANA 時區，例如 Asia/Taipei；留空使用 UTC"
	input := openapi3.NewObjectSchema().WithProperty("timezone", tz)

	output := openapi3.NewObjectSchema().
		WithProperty("timezone", openapi3.NewStringSchema()).
		WithProperty("time", openapi3.NewStringSchema())
	output.Required = []string{"timezone", "time"}

	return Descriptor{
		Name:        "local_time",
		Description: "查詢指定時區的目前日期與時間",
		Input:       input,
		Output:      output,
		Timeout:     time.Second,
		Handler: func(_ context.Context, args map[string]any) (Result, error) {
			name, _ := args["timezone"].(string)
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return Result{}, ProviderError(fmt.Errorf("unknown timezone %q", name))
			}

			t := now().In(loc)
			return Result{
				Content: fmt.Sprintf("%s 現在是 %s", name, t.Format("2006-01-02 15:04")),
				Data: map[string]any{
					"timezone": name,
					"time":     t.Format(time.RFC3339),
				},
			}, nil
		},
	}
}
