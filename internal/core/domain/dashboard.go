package domain

import (
	"strings"
	"time"
)

// Role identifies which dashboard a subject is looking at.
type Role string

const (
	RoleStudent    Role = "student"
	RoleLecturer   Role = "lecturer"
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "accountant"
)

// ParseRole normalises textual input into a known role, reporting false for unknown values.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleStudent:
		return RoleStudent, true
	case RoleLecturer:
		return RoleLecturer, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleAccountant:
		return RoleAccountant, true
	default:
		return "", false
	}
}

// Dashboard resource names.
const (
	ResourceProfile       = "profile"
	ResourceEnrollments   = "enrollments"
	ResourceAnnouncements = "announcements"
	ResourcePayments      = "payments"
	ResourceCourses       = "courses"
)

// Profile is the identity card shown at the top of every dashboard.
type Profile struct {
	SubjectID  string `json:"subject_id"`
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	Department string `json:"department,omitempty"`
	Role       Role   `json:"role"`
}

// Enrollment is a course a student is registered on for a term.
type Enrollment struct {
	CourseCode  string    `json:"course_code"`
	CourseTitle string    `json:"course_title"`
	TermID      string    `json:"term_id"`
	Units       int       `json:"units"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// Announcement is a notice published to every portal user.
type Announcement struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
}

// Payment is a fee payment recorded against a subject.
type Payment struct {
	Reference   string    `json:"reference"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	PaidAt      time.Time `json:"paid_at"`
}

// Course is a course taught by a lecturer.
type Course struct {
	Code          string `json:"code"`
	Title         string `json:"title"`
	TermID        string `json:"term_id"`
	EnrolledCount int    `json:"enrolled_count"`
}
