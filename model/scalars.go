package model

// Void is an empty-but-non-blank response carrying an informational message.
type Void struct {
	Message string `json:"message"`
}

// Num wraps a single integer for scalar exchanges.
type Num struct {
	Num int64 `json:"num"`
}

// Bool wraps a single boolean for scalar exchanges.
type Bool struct {
	Value bool `json:"value"`
}

// User is a credential pair. It is validated by an external authentication
// collaborator and treated as opaque here.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// String never exposes the password.
func (u User) String() string {
	return "User{" + u.Username + "}"
}
