package registry

import "time"

// Module is a deployed field module. Its customer, country and city locate
// the MQTT subtree it publishes under.
type Module struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Customer  string    `json:"customer"`
	Country   string    `json:"country"`
	City      string    `json:"city"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
