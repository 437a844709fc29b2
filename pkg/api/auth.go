package api

// sessionRequest carries the API key pair for session login.
type sessionRequest struct {
	TokenID string `json:"tokenId"`
	Secret  string `json:"secret"`
}

// SessionResponse is the result of a successful login.
type SessionResponse struct {
	SessionToken string `json:"session_token"`
	Organization string `json:"organization"`
}

// User is the platform account behind the active API key.
type User struct {
	ID                    string `json:"id"`
	Email                 string `json:"email"`
	FirstName             string `json:"firstName"`
	LastName              string `json:"lastName"`
	PreferredOrganization string `json:"preferredOrganization"`
}

// DisplayName renders the user's full name.
func (u *User) DisplayName() string {
	return u.FirstName + " " + u.LastName
}

// Organization describes a platform workspace.
type Organization struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	EncryptionKeyID string `json:"encryptionKeyId"`
}

// Login exchanges an API key pair for a session token and installs the
// token on the client.
func (c *Client) Login(apiKey, apiSecret string) (*SessionResponse, error) {
	req := sessionRequest{TokenID: apiKey, Secret: apiSecret}

	var resp SessionResponse
	if err := c.post("/account/api/session", req, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.SessionToken)
	return &resp, nil
}

// GetUser fetches the account behind the current session.
func (c *Client) GetUser() (*User, error) {
	var user User
	if err := c.get("/user/", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrganization fetches one workspace by ID.
func (c *Client) GetOrganization(id string) (*Organization, error) {
	var resp struct {
		Organization Organization `json:"organization"`
	}
	if err := c.get("/organizations/"+id, &resp); err != nil {
		return nil, err
	}
	return &resp.Organization, nil
}
