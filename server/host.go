package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hostbridge/autostart"
	"hostbridge/channel"
	"hostbridge/message"
	"hostbridge/settings"
)

// ErrInvalidPayload is returned to the client when a request payload does not
// match what its channel expects.
var ErrInvalidPayload = errors.New("invalid payload")

// RegisterHost binds the autostart manager and settings store to the five
// bridge channels.
func RegisterHost(svr *Server, autostartManager autostart.Manager, store settings.Store) {
	svr.Handle(channel.EnableAutostart, func(ctx context.Context, req *message.Request) *message.Reply {
		return replyFor(req, nil, autostartManager.Enable(ctx))
	})

	svr.Handle(channel.DisableAutostart, func(ctx context.Context, req *message.Request) *message.Reply {
		return replyFor(req, nil, autostartManager.Disable(ctx))
	})

	// The client derives "enabled" from a non-null result, so a disabled
	// entry answers with no result at all.
	svr.Handle(channel.GetAutostartStatus, func(ctx context.Context, req *message.Request) *message.Reply {
		entry, enabled, err := autostartManager.Status()
		if err != nil || !enabled {
			return replyFor(req, nil, err)
		}
		return replyFor(req, entry, nil)
	})

	svr.Handle(channel.GetUserSettings, func(ctx context.Context, req *message.Request) *message.Reply {
		route, err := decodeRoute(req.Payload)
		if err != nil {
			return message.ErrorReply(req.Channel, err)
		}
		doc, err := store.Load(route)
		if err != nil {
			return message.ErrorReply(req.Channel, err)
		}
		if doc == nil {
			return message.ResultReply(req.Channel, nil)
		}
		return message.ResultReply(req.Channel, doc)
	})

	svr.Handle(channel.SaveUserSettings, func(ctx context.Context, req *message.Request) *message.Reply {
		if len(req.Payload) == 0 {
			return message.ErrorReply(req.Channel, fmt.Errorf("%w: settings object required", ErrInvalidPayload))
		}
		return replyFor(req, nil, store.Save(ctx, req.Payload))
	})
}

func replyFor(req *message.Request, result any, err error) *message.Reply {
	if err != nil {
		return message.ErrorReply(req.Channel, err)
	}
	return message.ResultReply(req.Channel, result)
}

// decodeRoute reads the optional route selector of get-user-settings.
func decodeRoute(payload json.RawMessage) (string, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return "", nil
	}
	var route string
	if err := json.Unmarshal(payload, &route); err != nil {
		return "", fmt.Errorf("%w: route must be a string", ErrInvalidPayload)
	}
	return route, nil
}
