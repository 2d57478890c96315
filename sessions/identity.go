package sessions

// Identity is the composite key a Session is registered under. It is
// comparable and used directly as a map key.
type Identity struct {
	// Origin is the remote host the editor connected from.
	Origin string
	// ClientToken is the graph host's client id, when known.
	ClientToken string
	// UserToken identifies the user of the editor extension.
	UserToken string
}

// WithClientToken returns a copy of id carrying token.
func (id Identity) WithClientToken(token string) Identity {
	id.ClientToken = token
	return id
}

func (id Identity) String() string {
	return id.Origin + "/" + id.UserToken + "/" + id.ClientToken
}
