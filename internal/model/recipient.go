// internal/model/recipient.go
package model

import "github.com/google/uuid"

// Recipient is one row of a campaign's audience. Seq orders the list and is
// what the orchestrator cursor points at.
type Recipient struct {
	Seq        int64             `db:"seq" json:"seq"`
	CampaignID uuid.UUID         `db:"campaign_id" json:"campaign_id"`
	Address    string            `db:"address" json:"address"`
	FirstName  string            `db:"first_name" json:"first_name,omitempty"`
	Variables  map[string]string `db:"variables" json:"variables,omitempty"`
}

// TemplateData merges the recipient columns into its variables.
func (r Recipient) TemplateData() map[string]string {
	data := make(map[string]string, len(r.Variables)+2)
	for k, v := range r.Variables {
		data[k] = v
	}
	data["phone"] = r.Address
	if r.FirstName != "" {
		data["first_name"] = r.FirstName
	}
	return data
}
