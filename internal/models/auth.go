package models

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Name     *string `json:"name" validate:"omitempty,personname"`
	Email    string  `json:"email" validate:"required,email,max=254"`
	Password string  `json:"password" validate:"required,strongpassword"`
	IP       string  `json:"-"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,max=128"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	User   UserInfo  `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// RefreshTokenRequest exchanges a refresh token for a new pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,jwt"`
}

// LogoutRequest optionally carries the refresh token to revoke alongside the access token.
type LogoutRequest struct {
	RefreshToken     string `json:"refresh_token" validate:"omitempty,jwt"`
	LogoutAllDevices bool   `json:"logout_all_devices"`
}

// ForgotPasswordRequest initiates the reset flow.
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// ResetPasswordRequest completes the reset flow.
type ResetPasswordRequest struct {
	Token    string `json:"token" validate:"required,len=64,alphanum"`
	Password string `json:"password" validate:"required,strongpassword"`
}

// ChangePasswordRequest updates the password of the authenticated user.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,strongpassword"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}
