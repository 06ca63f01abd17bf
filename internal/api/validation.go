package api

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
	"github.com/tomnagengast/revurb-sub002/internal/metrics"
)

// Publish limits. Channel names share the websocket-side charset.
const (
	maxEventNameLength   = 200
	maxChannelNameLength = 200
	maxChannelsPerEvent  = 100
	maxBatchSize         = 10
)

var (
	channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-=@,.;]+$`)
	socketIDPattern    = regexp.MustCompile(`^\d+\.\d+$`)
)

// fieldErrors collects validation messages per field, in the shape the
// control API reports on 422 responses.
type fieldErrors map[string][]string

func (e fieldErrors) add(field, message string) {
	e[field] = append(e[field], message)
}

func (e fieldErrors) merge(prefix string, other fieldErrors) {
	for field, messages := range other {
		e[prefix+field] = append(e[prefix+field], messages...)
	}
}

func validateEvent(app *apps.Application, req eventRequest) fieldErrors {
	errs := make(fieldErrors)

	switch {
	case req.Name == "":
		errs.add("name", "The name field is required.")
	case len(req.Name) > maxEventNameLength:
		errs.add("name", fmt.Sprintf("The name may not be greater than %d characters.", maxEventNameLength))
	}

	targets := req.targetChannels()
	switch {
	case len(targets) == 0:
		errs.add("channels", "The channel or channels field is required.")
	case len(targets) > maxChannelsPerEvent:
		errs.add("channels", fmt.Sprintf("The event may not address more than %d channels.", maxChannelsPerEvent))
	default:
		for _, name := range targets {
			if len(name) > maxChannelNameLength || !channelNamePattern.MatchString(name) {
				errs.add("channels", fmt.Sprintf("The channel name %q is invalid.", name))
			}
		}
	}

	switch {
	case len(req.Data) == 0:
		errs.add("data", "The data field is required.")
	case app.MaxMessageSize > 0 && len(req.Data) > app.MaxMessageSize:
		errs.add("data", fmt.Sprintf("The data may not be greater than %d bytes.", app.MaxMessageSize))
	}

	if req.SocketID != "" && !socketIDPattern.MatchString(req.SocketID) {
		errs.add("socket_id", "The socket_id field must have the form <number>.<number>.")
	}

	if req.Info != "" && !metrics.InfoAllowed(splitInfo(req.Info)) {
		errs.add("info", "The info field contains an unknown attribute.")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// splitInfo parses the info csv, dropping empty segments.
func splitInfo(csv string) []string {
	if csv == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(csv, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}
