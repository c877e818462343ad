package models

// Device is one installation linked to the local account.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	Current   bool   `json:"current"`
}
