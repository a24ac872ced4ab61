package types

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var codeSegment = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// PermissionCode identifies an action on a resource, f.e. message:send. The action part may itself contain colons
// (room_settings:messages:edit has the resource "room_settings" and the action "messages:edit").
// The "resource:action" string form is only used at the storage and transport boundaries.
type PermissionCode struct {
	Resource string
	Action   string
}

// NewPermissionCode validates resource and action and returns the resulting code.
func NewPermissionCode(resource, action string) (PermissionCode, error) {
	if !codeSegment.MatchString(resource) {
		return PermissionCode{}, fmt.Errorf("invalid permission resource %q", resource)
	}
	for _, part := range strings.Split(action, ":") {
		if !codeSegment.MatchString(part) {
			return PermissionCode{}, fmt.Errorf("invalid permission action %q", action)
		}
	}
	return PermissionCode{Resource: resource, Action: action}, nil
}

// ParsePermissionCode parses the wire form "resource:action".
func ParsePermissionCode(s string) (PermissionCode, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok {
		return PermissionCode{}, fmt.Errorf("permission code %q must contain ':', f.e. 'message:send'", s)
	}
	return NewPermissionCode(resource, action)
}

// MustPermissionCode is ParsePermissionCode for constants, it panics on invalid input.
func MustPermissionCode(s string) PermissionCode {
	c, err := ParsePermissionCode(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c PermissionCode) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Resource + ":" + c.Action
}

func (c PermissionCode) IsZero() bool {
	return c.Resource == "" && c.Action == ""
}

func (c PermissionCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *PermissionCode) UnmarshalText(b []byte) error {
	parsed, err := ParsePermissionCode(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Value implements driver.Valuer
func (c PermissionCode) Value() (driver.Value, error) {
	return c.String(), nil
}

// Scan implements sql.Scanner
func (c *PermissionCode) Scan(val interface{}) error {
	switch v := val.(type) {
	case []byte:
		return c.UnmarshalText(v)
	case string:
		return c.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("failed to scan permission code: %v", val)
	}
}

// GormDataType gorm common data type
func (PermissionCode) GormDataType() string {
	return "string"
}

// GormDBDataType gorm db data type
func (PermissionCode) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "VARCHAR(100)"
	}
	return "TEXT"
}

// CodeStrings converts codes to their wire form, f.e. for IN queries.
func CodeStrings(codes []PermissionCode) []string {
	res := make([]string, len(codes))
	for i, c := range codes {
		res[i] = c.String()
	}
	return res
}

// Permission is immutable reference data, created out-of-band (see persistence.SeedReferenceData).
type Permission struct {
	Id       string         `json:"id" gorm:"primaryKey;size:36"`
	Code     PermissionCode `json:"code" gorm:"uniqueIndex;not null"`
	Category string         `json:"category" gorm:"size:100;not null"`
}

type Disposition string

const (
	DispositionGrant Disposition = "grant"
	DispositionDeny  Disposition = "deny"
)

func (d Disposition) Valid() bool {
	return d == DispositionGrant || d == DispositionDeny
}

// MemberPermission is a per-member exception to the grants of the member's room role.
type MemberPermission struct {
	MemberId     string      `json:"member_id" gorm:"primaryKey;size:36"`
	PermissionId string      `json:"permission_id" gorm:"primaryKey;size:36"`
	Disposition  Disposition `json:"disposition" gorm:"size:8;not null"`
}

// PermissionOverride is a MemberPermission joined with its permission code.
type PermissionOverride struct {
	Code        PermissionCode `json:"code"`
	Disposition Disposition    `json:"disposition"`
}
