package types

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLength = 100
	maxSlugLength = 100
)

// CreateRoomCommand is what the request layer hands to rooms.Creator.Create.
type CreateRoomCommand struct {
	Name           *string        `json:"name"`
	Slug           *string        `json:"slug"`
	Type           RoomType       `json:"type"`
	Visibility     RoomVisibility `json:"visibility"`
	InitialUserIds []string       `json:"initial_user_ids"`
}

// Validate checks the command on its own, without looking at any stored state. A valid command has its slug
// lower-cased.
func (c *CreateRoomCommand) Validate() error {
	if !c.Type.Valid() {
		return NewValidationError("unknown room type %q", c.Type)
	}
	if c.Visibility == "" {
		c.Visibility = VisibilityPublic
	}
	if !c.Visibility.Valid() {
		return NewValidationError("unknown room visibility %q", c.Visibility)
	}
	if c.Type == RoomTypeDirect && c.Name != nil {
		return NewValidationError("a direct room must not have a name")
	}
	if c.Name != nil && (*c.Name == "" || utf8.RuneCountInString(*c.Name) > maxNameLength) {
		return NewValidationError("room name must have 1 to %d characters", maxNameLength)
	}
	if c.Slug != nil {
		slug := strings.ToLower(strings.TrimSpace(*c.Slug))
		if slug == "" || utf8.RuneCountInString(slug) > maxSlugLength {
			return NewValidationError("room slug must have 1 to %d characters", maxSlugLength)
		}
		c.Slug = &slug
	}
	for _, userId := range c.InitialUserIds {
		if userId == "" {
			return NewValidationError("empty initial user id")
		}
	}
	return nil
}

func (c CreateRoomCommand) String() string {
	return fmt.Sprintf("%s room with %d initial users", c.Type, len(c.InitialUserIds))
}
