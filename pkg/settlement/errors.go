package settlement

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
)

var (
	// ErrUpstreamFailed marks a provider failure; the reservation has been refunded.
	ErrUpstreamFailed = errors.New("upstream call failed")
	// ErrUsageFailed is returned when replaying a token whose earlier attempt failed.
	ErrUsageFailed = errors.New("usage attempt failed")
	// ErrUsageInProgress is returned while another call holds the same token.
	ErrUsageInProgress = fmt.Errorf("%w: usage attempt in progress", ledger.ErrInvalidState)
	// ErrUsageRecordConflict is the store signal for a lost compare-and-set on a usage record.
	ErrUsageRecordConflict = errors.New("usage record status changed")
	// ErrSettledResponseUnavailable is returned when a resumed attempt finds the charge settled but no stored completion.
	ErrSettledResponseUnavailable = errors.New("usage settled but response unavailable")
	// ErrInvalidRequest covers malformed RunChat input.
	ErrInvalidRequest = fmt.Errorf("%w: invalid chat request", ledger.ErrInvalidArgument)

	ErrInvalidOrchestratorConfig = errors.New("invalid orchestrator config")
)
