package event

import (
	"encoding/json"
	"fmt"
)

// Decode unmarshals a stored envelope payload back into its typed event.
// Used on warm restart to replay the event log through the engine.
func Decode(eventType EventType, payload []byte) (Event, error) {
	var evt Event
	switch eventType {
	case EventTypeBetPlaced:
		evt = &BetPlaced{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypeOraclePriceUpdate:
		evt = &OraclePriceUpdate{}
	case EventTypeProposalResolved:
		evt = &ProposalResolved{}
	case EventTypeLiquidationRequested:
		evt = &LiquidationRequested{}
	case EventTypeLiquidationSweep:
		evt = &LiquidationSweep{}
	case EventTypeChainCreated:
		evt = &ChainCreated{}
	case EventTypeDepositConfirmed:
		evt = &DepositConfirmed{}
	case EventTypeWithdrawalRequested:
		evt = &WithdrawalRequested{}
	case EventTypeFundingEpochAccrued:
		evt = &FundingEpochAccrued{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", eventType)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}

// DecodeByName is Decode keyed by the string form stored in the event log.
func DecodeByName(name string, payload []byte) (Event, error) {
	for et := EventTypeBetPlaced; et <= EventTypeFundingEpochAccrued; et++ {
		if et.String() == name {
			return Decode(et, payload)
		}
	}
	return nil, fmt.Errorf("decode: unknown event type %q", name)
}
