package model

import "time"

// SigningIdentity is a signer's long-lived certificate. The private key is
// sealed with the signer's password and is useless without it.
type SigningIdentity struct {
	UserID    string    `json:"user_id"`
	SerialHex string    `json:"serial_hex"`
	CertPEM   []byte    `json:"cert_pem"`
	RootPEM   []byte    `json:"root_pem,omitempty"`
	SealedKey []byte    `json:"sealed_key"`
	ValidTo   time.Time `json:"valid_to"`
	CreatedAt time.Time `json:"created_at"`
}

func (i *SigningIdentity) IsExpired(now time.Time) bool {
	return now.After(i.ValidTo)
}
