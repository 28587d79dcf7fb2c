package domain

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EncodedOutcome is the storage form of a RowOutcome.
type EncodedOutcome struct {
	Kind OutcomeKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeOutcome serialises an outcome with its kind tag.
func EncodeOutcome(o RowOutcome) (EncodedOutcome, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return EncodedOutcome{}, fmt.Errorf("failed to encode %s outcome: %w", o.Kind(), err)
	}
	return EncodedOutcome{Kind: o.Kind(), Data: data}, nil
}

// DecodeOutcome restores the typed outcome from its storage form.
func DecodeOutcome(e EncodedOutcome) (RowOutcome, error) {
	var (
		out RowOutcome
		err error
	)
	switch e.Kind {
	case OutcomeSucceeded:
		out, err = decodeAs[Succeeded](e.Data)
	case OutcomeRouted:
		out, err = decodeAs[Routed](e.Data)
	case OutcomeFailed:
		out, err = decodeAs[Failed](e.Data)
	case OutcomeQuarantined:
		out, err = decodeAs[Quarantined](e.Data)
	case OutcomeForked:
		out, err = decodeAs[Forked](e.Data)
	case OutcomeCoalesced:
		out, err = decodeAs[Coalesced](e.Data)
	case OutcomeExpanded:
		out, err = decodeAs[Expanded](e.Data)
	case OutcomeBuffered:
		out, err = decodeAs[Buffered](e.Data)
	case OutcomeConsumedInBatch:
		out, err = decodeAs[ConsumedInBatch](e.Data)
	default:
		return nil, fmt.Errorf("%w: unknown outcome kind %q", ErrAuditIntegrity, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s outcome: %w", e.Kind, err)
	}
	return out, nil
}

func decodeAs[T RowOutcome](data []byte) (RowOutcome, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
