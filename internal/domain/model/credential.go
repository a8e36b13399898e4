package model

import "time"

// BrokerCredential holds the KIS Open API registration for one user. AppKey and
// AppSecret form the credential pair that access tokens are issued against.
type BrokerCredential struct {
	UserID             int64
	AppKey             string
	AppSecret          string
	AccountNumber      string // First 8 digits of the brokerage account.
	AccountProductCode string // Last 2 digits of the brokerage account.
	IsSandbox          bool
	UpdatedAt          time.Time
}

// CredentialPair identifies an API client registration. Users that register the
// same pair share one cached access token.
type CredentialPair struct {
	AppKey    string
	AppSecret string
}

// Pair returns the credential pair of c.
func (c BrokerCredential) Pair() CredentialPair {
	return CredentialPair{AppKey: c.AppKey, AppSecret: c.AppSecret}
}
