package models

// User is the identity tokens are issued for.
type User struct {
	ID            string `json:"userId"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
	AvatarURL     string `json:"avatarUrl"`
}

// Profile is the normalised identity returned by a federated login
// provider after a successful callback.
type Profile struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Username      string
	AvatarURL     string
}
