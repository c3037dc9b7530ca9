package routing

import (
	"math"
	"time"

	"A2A-Chain/internal/domain"
)

// 优先级分档的信誉下限。
const (
	HighScore     = 800
	MediumScore   = 650
	NormalScore   = 500
	UrgentScore   = 600
	FanOutScore   = 700
	DefaultFanOut = 3
)

var baseProcessing = map[domain.Priority]time.Duration{
	domain.PriorityUrgent: 30 * time.Second,
	domain.PriorityHigh:   60 * time.Second,
	domain.PriorityMedium: 120 * time.Second,
	domain.PriorityNormal: 300 * time.Second,
	domain.PriorityLow:    600 * time.Second,
}

// AssignPriority 根据信誉与消息类型分配优先级。
// 类型为 urgent 或请求了高优先级且信誉不低于 600 时升级为 urgent。
func AssignPriority(score int, msgType domain.MessageType, requested domain.Priority) (domain.Priority, bool) {
	wantsUrgent := msgType == domain.MessageUrgent ||
		requested == domain.PriorityHigh || requested == domain.PriorityUrgent
	if wantsUrgent && score >= UrgentScore {
		return domain.PriorityUrgent, true
	}
	switch {
	case score >= HighScore:
		return domain.PriorityHigh, true
	case score >= MediumScore:
		return domain.PriorityMedium, false
	case score >= NormalScore:
		return domain.PriorityNormal, false
	default:
		return domain.PriorityLow, false
	}
}

// EstimatedProcessing 返回预计处理时长，信誉越高越快，最多缩短一半。
func EstimatedProcessing(p domain.Priority, score int) time.Duration {
	base, ok := baseProcessing[p]
	if !ok {
		base = baseProcessing[domain.PriorityLow]
	}
	factor := 1 - float64(score-500)/1000
	factor = math.Max(0.5, math.Min(1.0, factor))
	seconds := math.Round(base.Seconds() * factor)
	return time.Duration(seconds) * time.Second
}

// WantsFanOut 判断消息是否需要分发给并行处理者。
func WantsFanOut(score int, msgType domain.MessageType) bool {
	return score >= FanOutScore && msgType == domain.MessageRequest
}
