package quota

import (
	"time"

	"convertapi/models"
)

// View is the JSON read model of one period's usage.
type View struct {
	Year                 int       `json:"year"`
	Month                int       `json:"month"`
	ConversionsUsed      int64     `json:"conversionsUsed"`
	ConversionsLimit     int64     `json:"conversionsLimit"`
	RemainingConversions int64     `json:"remainingConversions"`
	BytesProcessed       int64     `json:"bytesProcessed"`
	BytesLimit           int64     `json:"bytesLimit"`
	RemainingBytes       int64     `json:"remainingBytes"`
	IsQuotaExceeded      bool      `json:"isQuotaExceeded"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func NewView(q models.UsageQuota) View {
	return View{
		Year:                 q.Period.Year,
		Month:                int(q.Period.Month),
		ConversionsUsed:      q.ConversionsUsed,
		ConversionsLimit:     q.ConversionsLimit,
		RemainingConversions: q.RemainingConversions(),
		BytesProcessed:       q.BytesProcessed,
		BytesLimit:           q.BytesLimit,
		RemainingBytes:       q.RemainingBytes(),
		IsQuotaExceeded:      q.IsExceeded(),
		UpdatedAt:            q.UpdatedAt,
	}
}
