package globals

import "github.com/hashicorp/go-hclog"

const Source = "lightspeed-rooms"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  Source,
	Level: hclog.LevelFromString("DEBUG"),
})
