// Package user carries the slice of user identity this core needs. Identity
// management lives elsewhere; the core only checks existence and grants
// gamification points.
package user

import "time"

// User is a marketplace participant.
type User struct {
	ID                   string    `json:"id" db:"id"`
	FullName             string    `json:"full_name" db:"full_name"`
	SustainabilityPoints int64     `json:"sustainability_points" db:"sustainability_points"`
	ExperiencePoints     int64     `json:"experience_points" db:"experience_points"`
	Active               bool      `json:"active" db:"active"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// PointsGrant adds gamification points to a user.
type PointsGrant struct {
	UserID         string
	Sustainability int64
	Experience     int64
}
