package auth

import "time"

type Role string

const (
	RoleBacker  Role = "backer"
	RoleCreator Role = "creator"
	RoleCouncil Role = "council"
	RoleAdmin   Role = "admin"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	// Address is the on-chain address the account acts as; votes and
	// evidence submissions are attributed to it.
	Address   *string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName string  `json:"full_name"`
	Address  *string `json:"address"`
	Role     Role    `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
