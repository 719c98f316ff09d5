package models

// SMTPProfile is an outbound mail account. Password holds the encrypted value.
type SMTPProfile struct {
	Base
	Name       string  `json:"name"`
	Host       string  `json:"host"`
	Port       FlexInt `json:"port"`
	Email      string  `json:"email"`
	Username   string  `json:"username"`
	Password   string  `json:"password,omitempty"`
	UseSSL     bool    `json:"useSSL"`
	UseTLS     bool    `json:"useTLS"`
	IsActive   bool    `json:"isActive"`
	IsArchived bool    `json:"isArchived"`
}

// Sanitize strips credentials before the profile leaves the API.
func (p *SMTPProfile) Sanitize() {
	p.Password = ""
}

// User is a Parse _User row without its password.
type User struct {
	Base
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	IsAdmin   bool   `json:"is_admin"`
	IsActive  *bool  `json:"is_active,omitempty"`
}

// Active treats users created before the flag existed as active.
func (u User) Active() bool {
	return u.IsActive == nil || *u.IsActive
}

func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
