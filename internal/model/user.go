package model

import "time"

type User struct {
	ID        uint64    `gorm:"primaryKey"`
	FirstName string    `gorm:"size:255;not null"`
	LastName  string    `gorm:"size:255;not null"`
	Email     string    `gorm:"size:255;uniqueIndex;not null"`
	Phone     *string   `gorm:"size:15"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (User) TableName() string { return "users" }

// FullName falls back to the email when names are blank.
func (u User) FullName() string {
	if u.FirstName == "" {
		return u.Email
	}
	return u.FirstName + " " + u.LastName
}
