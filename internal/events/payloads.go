package events

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Payload is the typed body of an event. Producers construct one of the
// concrete variants below; the persisted store serializes it to an opaque
// blob and decodes it back by event type.
type Payload interface {
	isPayload()
}

// Intent describes what an actor wants done. It seeds a planner decision and
// is echoed into the decision's snapshot.
type Intent struct {
	Type   string                 `json:"type"`
	Domain string                 `json:"domain"`
	Action string                 `json:"action"`
	Risk   string                 `json:"risk,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Option is one candidate course of action generated by the planner.
type Option struct {
	Kind   string `json:"kind"`
	Label  string `json:"label"`
	Score  int    `json:"score"`
	Reason string `json:"reason,omitempty"`
}

// PermissionOutcome is the result of one policy evaluation.
type PermissionOutcome struct {
	Domain           string   `json:"domain"`
	Action           string   `json:"action"`
	Level            string   `json:"level"`
	Risk             string   `json:"risk"`
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	Reasons          []string `json:"reasons,omitempty"`
}

// Snapshot is the frozen outcome of one planner decision. It is created once
// per decision id, persisted inside the terminal event's payload, and never
// mutated afterwards.
type Snapshot struct {
	DecisionID    string            `json:"decision_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Intent        Intent            `json:"intent"`
	Risk          string            `json:"risk"`
	Options       []Option          `json:"options"`
	Permission    PermissionOutcome `json:"permission"`
	Recommended   *Option           `json:"recommended,omitempty"`
	Mode          string            `json:"mode"`
	Explain       []string          `json:"explain"`
	Trust         float64           `json:"trust"`
}

// DecisionCreatedPayload opens a decision.
type DecisionCreatedPayload struct {
	Intent Intent `json:"intent"`
}

// DecisionOptionedPayload records the generated candidate options.
type DecisionOptionedPayload struct {
	Risk    string   `json:"risk"`
	Options []Option `json:"options"`
}

// DecisionFinalizedPayload is the terminal payload for decision.suggested,
// decision.ready_to_execute and system.no_action events.
type DecisionFinalizedPayload struct {
	Snapshot Snapshot `json:"snapshot"`
}

// PermissionDecisionPayload is appended on every policy evaluation.
type PermissionDecisionPayload struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// AuditPayload is the companion audit record for a policy evaluation.
type AuditPayload struct {
	Status string `json:"status"`
	Domain string `json:"domain"`
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

// TrustUpdatedPayload records one adaptive trust score change.
type TrustUpdatedPayload struct {
	Domain   string  `json:"domain"`
	OldScore float64 `json:"old_score"`
	NewScore float64 `json:"new_score"`
	Reason   string  `json:"reason"`
	Source   string  `json:"source"`
}

// TrustMarkerPayload marks a one-shot trust adjustment so it cannot fire twice
// for the same (correlation, domain) pair.
type TrustMarkerPayload struct {
	Marker        string `json:"marker"`
	Domain        string `json:"domain"`
	CorrelationID string `json:"correlation_id"`
}

// JobLifecyclePayload is shared by the job.* events emitted by the worker.
type JobLifecyclePayload struct {
	JobID    string `json:"job_id"`
	JobType  string `json:"job_type"`
	Status   string `json:"status,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
	Summary  string `json:"summary,omitempty"`
	RunAt    string `json:"run_at,omitempty"`
}

// GenericPayload carries tool-emitted or otherwise untyped event bodies.
type GenericPayload map[string]interface{}

func (DecisionCreatedPayload) isPayload()    {}
func (DecisionOptionedPayload) isPayload()   {}
func (DecisionFinalizedPayload) isPayload()  {}
func (PermissionDecisionPayload) isPayload() {}
func (AuditPayload) isPayload()              {}
func (TrustUpdatedPayload) isPayload()       {}
func (TrustMarkerPayload) isPayload()        {}
func (JobLifecyclePayload) isPayload()       {}
func (GenericPayload) isPayload()            {}

// EncodePayload serializes a payload for persisted storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}
	return data, nil
}

// DecodePayload deserializes a stored payload blob back into the typed
// variant for the given event type. Unknown types decode as GenericPayload.
func DecodePayload(eventType string, data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var (
		p   Payload
		err error
	)
	switch eventType {
	case TypeDecisionCreated:
		var v DecisionCreatedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeDecisionOptioned:
		var v DecisionOptionedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeDecisionSuggested, TypeDecisionReadyToExecute, TypeSystemNoAction:
		var v DecisionFinalizedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypePermissionDecision:
		var v PermissionDecisionPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeAuditRecorded:
		var v AuditPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTrustUpdated:
		var v TrustUpdatedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTrustMarker:
		var v TrustMarkerPayload
		err = json.Unmarshal(data, &v)
		p = v
	case TypeJobStarted, TypeJobSucceeded, TypeJobFailed, TypeJobRetried, TypeJobCanceled,
		TypeJobDeadLetter, TypeJobRecovered, TypeJobAwaitingApproval,
		TypeJobDuplicateSuppressed, TypeDecisionAwaitingApproval:
		var v JobLifecyclePayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		var v GenericPayload
		err = json.Unmarshal(data, &v)
		p = v
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s payload", eventType)
	}
	return p, nil
}
