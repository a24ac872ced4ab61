package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type JoinPermission string

const (
	JoinOpen       JoinPermission = "open"
	JoinApproval   JoinPermission = "approval"
	JoinInviteOnly JoinPermission = "invite_only"
)

// RoomSettings is stored as a JSON column on the room row.
type RoomSettings struct {
	MaxMembers      int            `json:"max_members"`
	JoinPermission  JoinPermission `json:"join_permission"`
	AllowForwarding bool           `json:"allow_forwarding"`
	PinnedLimit     int            `json:"pinned_limit"`
	AllowMedia      bool           `json:"allow_media"`
}

const defaultPinnedMessages = 5

// DefaultRoomSettings configures the settings a new room starts with.
func DefaultRoomSettings(t RoomType, v RoomVisibility) RoomSettings {
	join := JoinOpen
	if v == VisibilityPrivate {
		join = JoinApproval
	}
	return RoomSettings{
		MaxMembers:      MaxMembers(t),
		JoinPermission:  join,
		AllowForwarding: v != VisibilityPrivate,
		PinnedLimit:     defaultPinnedMessages,
		AllowMedia:      true,
	}
}

// Value return json value, implement driver.Valuer interface
func (s RoomSettings) Value() (driver.Value, error) {
	ba, err := json.Marshal(s)
	return string(ba), err
}

// Scan scan value into RoomSettings, implements sql.Scanner interface
func (s *RoomSettings) Scan(val interface{}) error {
	var ba []byte
	switch v := val.(type) {
	case []byte:
		ba = v
	case string:
		ba = []byte(v)
	case nil:
		*s = RoomSettings{}
		return nil
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", val))
	}
	t := RoomSettings{}
	err := json.Unmarshal(ba, &t)
	*s = t
	return err
}

// GormDataType gorm common data type
func (RoomSettings) GormDataType() string {
	return "roomsettings"
}

// GormDBDataType gorm db data type
func (RoomSettings) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "JSON"
	case "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
