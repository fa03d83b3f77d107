package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtunnel/apitypes"
	"github.com/Alia5/usbtunnel/internal/server/api"
)

// Version is reported by ping; the build sets it with -ldflags.
var Version = "dev"

// Ping returns a handler identifying the server.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		j, err := json.Marshal(apitypes.PingResponse{Server: "usbtunnel", Version: Version})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(j)
		return nil
	}
}
