package model

// Submission is the outcome of one requested simulation. Exactly one of
// (Simulation, Node) or Failure is populated.
type Submission struct {
	Simulation SimulationID     `json:"sid,omitempty"`
	Node       SimulationNodeID `json:"snid,omitempty"`
	Failure    *Void            `json:"failure,omitempty"`
}

// Succeeded reports whether the submission was assigned to a node.
func (s Submission) Succeeded() bool {
	return s.Failure == nil && s.Simulation != ""
}

// SubmissionResult maps each request key onto its outcome. Void is set only
// when the batch itself was empty.
type SubmissionResult struct {
	Entries map[string]Submission `json:"submissions"`
	Void    *Void                 `json:"void,omitempty"`
}
