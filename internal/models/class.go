package models

import "time"

// Class is a student group subjects are targeted to.
type Class struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Year      int       `db:"year" json:"year"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ClassMember links a user to a class roster.
type ClassMember struct {
	ClassID  string    `db:"class_id" json:"class_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}
