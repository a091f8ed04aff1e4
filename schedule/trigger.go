package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BaSui01/agentrun/types"
)

// 标准 5 段表达式，另支持 @daily 等描述符。
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// loadLocation 空时区视为 UTC。
func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, types.BadRequest("invalid timezone %q", tz)
	}
	return loc, nil
}

// NextCronRun 返回 after 之后的下一次触发时间（UTC），表达式按 tz 解释。
func NextCronRun(expr, tz string, after time.Time) (time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, types.BadRequest("invalid cron expression %q: %v", expr, err)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, types.BadRequest("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}
