package messages

import (
	"slices"

	"msgboard/core"
)

type normalizeReport struct {
	dropped   int
	coerced   int
	truncated int
	skipped   int
}

func (r normalizeReport) dirty() bool {
	return r.dropped+r.coerced+r.truncated+r.skipped > 0
}

// normalize repairs a loaded state: records without a usable id or with a
// duplicate id are dropped, the log is ordered by id and cut to capacity,
// and attachment metadata is made consistent. The returned counter is never
// below any id seen.
func normalize(state *core.State, capacity int, nowMillis int64) ([]core.Message, int64, normalizeReport) {
	report := normalizeReport{skipped: state.Skipped}

	messages := make([]core.Message, 0, len(state.Messages))
	seen := make(map[int64]struct{}, len(state.Messages))
	var maxID int64
	for _, m := range state.Messages {
		if m.ID <= 0 {
			report.dropped++
			continue
		}
		if _, dup := seen[m.ID]; dup {
			report.dropped++
			continue
		}
		seen[m.ID] = struct{}{}
		maxID = max(maxID, m.ID)

		if m.CreateAt <= 0 {
			m.CreateAt = nowMillis
			report.coerced++
		}
		switch {
		case m.HasAttachment() && m.MimeType == "":
			m.MimeType = core.DefaultMimeType
			report.coerced++
		case !m.HasAttachment() && (m.MimeType != "" || m.Size != 0):
			m.MimeType = ""
			m.Size = 0
			report.coerced++
		}
		if m.Size < 0 {
			m.Size = 0
			report.coerced++
		}
		messages = append(messages, m)
	}

	slices.SortStableFunc(messages, func(a, b core.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	if over := len(messages) - capacity; over > 0 {
		messages = slices.Clone(messages[over:])
		report.truncated = over
	}

	idNext := max(state.IDNext, maxID+1, 1)
	return messages, idNext, report
}
