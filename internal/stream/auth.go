package stream

import "encoding/json"

// authenticator sends the credential handshake after transport open. It does
// not retry: an auth failure (explicit error record, or the transport closing
// before the acknowledgement) falls through to the client's normal reconnect
// path.
type authenticator struct {
	creds Credentials
}

func newAuthenticator(creds Credentials) *authenticator {
	return &authenticator{creds: creds}
}

// authenticate sends the one credential message for this session.
func (a *authenticator) authenticate(t transport) error {
	cmd, err := json.Marshal(authCommand{
		Action: "auth",
		Key:    a.creds.Key,
		Secret: a.creds.Secret,
	})
	if err != nil {
		return err
	}
	return t.Send(cmd)
}
