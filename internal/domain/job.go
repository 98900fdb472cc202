package domain

import "strconv"

// JobType discriminates the payload carried by a FeatureJob.
type JobType string

const (
	JobTypeTrade     JobType = "trade"
	JobTypeOrderbook JobType = "orderbook"
)

// JobPayload is a tagged union; the pointer matching the job type is set.
// Orderbook jobs may carry Metrics alongside the snapshot; when either is
// missing the rolling-state update is skipped but the job still computes
// features from whatever context is available.
type JobPayload struct {
	Trade     *Trade             `json:"trade,omitempty"`
	Orderbook *OrderbookSnapshot `json:"orderbook,omitempty"`
	Metrics   *OrderbookMetrics  `json:"metrics,omitempty"`
}

// FeatureJob is one market event to be turned into a feature vector.
type FeatureJob struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	TokenID     string     `json:"tokenId"`
	ConditionID string     `json:"conditionId"`
	TimestampMs int64      `json:"timestamp"`
	Data        JobPayload `json:"data"`
}

// IdempotencyKey identifies the logical event independent of delivery.
// Two deliveries of the same event share this key.
func (j FeatureJob) IdempotencyKey() string {
	return j.TokenID + ":" + string(j.Type) + ":" + strconv.FormatInt(j.TimestampMs, 10)
}

// FeatureJobResult is the per-job output handed to the cache and archive.
type FeatureJobResult struct {
	TokenID     string        `json:"tokenId"`
	ConditionID string        `json:"conditionId"`
	TimestampMs int64         `json:"timestamp"`
	Features    FeatureVector `json:"features"`
}

// ScoreJob is the payload published to the downstream scoring queue.
type ScoreJob struct {
	TokenID     string        `json:"tokenId"`
	ConditionID string        `json:"conditionId"`
	TimestampMs int64         `json:"timestamp"`
	Features    FeatureVector `json:"features"`
}
