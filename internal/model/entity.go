package model

import "strings"

// EntityKey is the canonical identity for a course, section, or
// instructor-bound offering. Course-level keys set only Subject and
// Number; section-level keys also carry Term and/or Instructor.
// The instructor name is stored normalized (lower case, single spaces).
type EntityKey struct {
	Subject    string `json:"subject"`
	Number     string `json:"number"`
	Term       string `json:"term,omitempty"`
	Instructor string `json:"instructor,omitempty"`
}

// CourseCode returns the compact course code, e.g. "COP3502".
func (k EntityKey) CourseCode() string {
	return k.Subject + k.Number
}

// CourseLevel strips section detail, leaving the course-level key.
func (k EntityKey) CourseLevel() EntityKey {
	return EntityKey{Subject: k.Subject, Number: k.Number}
}

// IsZero reports whether the key is empty.
func (k EntityKey) IsZero() bool {
	return k.Subject == "" && k.Number == ""
}

// String renders the key in its canonical pipe-separated form. The form
// is stable and feeds passage-id hashing, so field order matters.
func (k EntityKey) String() string {
	var sb strings.Builder
	sb.WriteString(k.Subject)
	sb.WriteString(k.Number)
	sb.WriteByte('|')
	sb.WriteString(k.Term)
	sb.WriteByte('|')
	sb.WriteString(k.Instructor)
	return sb.String()
}

// ParseEntityKey reverses String. Malformed input yields a zero key.
func ParseEntityKey(s string) EntityKey {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return EntityKey{}
	}
	code := parts[0]
	i := 0
	for i < len(code) && (code[i] < '0' || code[i] > '9') {
		i++
	}
	return EntityKey{
		Subject:    code[:i],
		Number:     code[i:],
		Term:       parts[1],
		Instructor: parts[2],
	}
}
