package channels

// ToolChannelMap maps send skills to the channel they deliver through.
// Unlisted send tools target the action's originating channel.
var ToolChannelMap = map[string]string{
	"send_email": "email",
}

// Policy enforces admin gating and cross-channel send rules.
type Policy struct {
	// AdminUsers maps channel name to the user ids allowed elevated skills.
	AdminUsers map[string][]string
	// CrossChannelExempt lists send tools allowed to leave the origin channel.
	CrossChannelExempt []string
	// Registry is consulted for whether a destination channel is configured.
	Registry *Registry
}

// IsAdmin reports whether a user id is an admin on a channel.
func (p *Policy) IsAdmin(channel, userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range p.AdminUsers[channel] {
		if id == userID {
			return true
		}
	}
	return false
}

// AllowSend decides whether a send tool may run for an action that originated
// on originChannel. Sends stay on the origin channel unless the tool is on
// the exempt list and its destination channel is configured.
func (p *Policy) AllowSend(tool, originChannel string) bool {
	dest, mapped := ToolChannelMap[tool]
	if !mapped || dest == originChannel {
		return true
	}
	for _, exempt := range p.CrossChannelExempt {
		if exempt != tool {
			continue
		}
		if p.Registry == nil {
			return false
		}
		return p.Registry.Has(dest)
	}
	return false
}
