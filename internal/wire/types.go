// Package wire defines the JSON envelope the CLI and HTTP hosts accept and
// the response they emit. The envelope is a trust boundary: unknown
// top-level fields are an error, not passthrough data.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/Fuabioo/merge-gate/internal/merge"
)

// Outcome values carried in MergeResponse.
const (
	OutcomeMerged   = "merged"
	OutcomeRejected = "rejected"
)

// MergeRequest is the host-facing input: a named policy plus the trusted
// target and untrusted source trees.
type MergeRequest struct {
	Policy string
	Target map[string]any
	Source map[string]any
}

// UnmarshalJSON enforces the envelope contract: target and source must be
// present JSON objects, policy (optional) must be a string, and no other
// top-level fields are accepted.
func (r *MergeRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("wire: request unmarshal: %w", err)
	}

	for k := range raw {
		switch k {
		case "policy", "target", "source":
		default:
			return fmt.Errorf("wire: unknown request field %q", k)
		}
	}

	if v, ok := raw["policy"]; ok {
		if err := json.Unmarshal(v, &r.Policy); err != nil {
			return fmt.Errorf("wire: request unmarshal policy: %w", err)
		}
	}

	tgt, ok := raw["target"]
	if !ok {
		return fmt.Errorf("wire: request is missing target")
	}
	if err := json.Unmarshal(tgt, &r.Target); err != nil {
		return fmt.Errorf("wire: target must be a JSON object: %w", err)
	}
	if r.Target == nil {
		return fmt.Errorf("wire: target must not be null")
	}

	src, ok := raw["source"]
	if !ok {
		return fmt.Errorf("wire: request is missing source")
	}
	if err := json.Unmarshal(src, &r.Source); err != nil {
		return fmt.Errorf("wire: source must be a JSON object: %w", err)
	}
	if r.Source == nil {
		return fmt.Errorf("wire: source must not be null")
	}

	return nil
}

// ViolationRecord is the client-visible form of one merge violation.
type ViolationRecord struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// MergeResponse is the host-facing output for one merge execution.
type MergeResponse struct {
	RequestID  string            `json:"request_id,omitempty"`
	Outcome    string            `json:"outcome"`
	Merged     map[string]any    `json:"merged,omitempty"`
	Violations []ViolationRecord `json:"violations,omitempty"`
}

// ResponseFor converts a merge outcome into the wire response.
func ResponseFor(requestID string, out merge.Outcome) MergeResponse {
	resp := MergeResponse{RequestID: requestID}
	if out.Rejected() {
		resp.Outcome = OutcomeRejected
		resp.Violations = make([]ViolationRecord, 0, len(out.Violations))
		for _, v := range out.Violations {
			resp.Violations = append(resp.Violations, ViolationRecord{
				Path:   v.Path.String(),
				Kind:   string(v.Kind),
				Detail: v.Detail,
			})
		}
		return resp
	}
	resp.Outcome = OutcomeMerged
	resp.Merged = out.Merged
	return resp
}
