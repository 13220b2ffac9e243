package terminal

import (
	"strconv"
	"strings"
	"time"

	types "github.com/synapse-agents/synapse/types"
	zap "go.uber.org/zap"
)

const (
	// identityWaitTimeout bounds how long the injection worker waits for the
	// child to settle back to READY before giving up this attempt.
	identityWaitTimeout = 30 * time.Second

	// postIdentityIdleDelay gives the child a moment to consume the injected
	// instruction before normal traffic is admitted.
	postIdentityIdleDelay = 2 * time.Second

	identityPollInterval = 200 * time.Millisecond
)

// injectIdentity performs the one-shot initial-instruction handshake. It runs
// on the first READY transition; only a failed write resets the guards for a
// retry on the next READY. Success (or a configured skip) fires OnIdentitySent
// exactly once.
func (c *Controller) injectIdentity() {
	c.mu.Lock()
	if c.identity.sent || c.identity.sending {
		c.mu.Unlock()
		return
	}
	c.identity.sending = true
	skip := c.opts.SkipInitialInstructions || strings.TrimSpace(c.opts.InitialInstruction) == ""
	c.mu.Unlock()

	if skip {
		c.finishIdentity(true)
		c.logger.Info("initial instruction skipped")
		return
	}

	instruction := c.renderIdentityInstruction()

	if err := c.Write(instruction); err != nil {
		c.logger.Warn("initial instruction injection failed", zap.Error(err))
		c.finishIdentity(false)
		return
	}

	c.mu.Lock()
	wait := c.identityWait
	c.mu.Unlock()

	// Wait for the child to digest the instruction and settle, bounded. The
	// instruction was delivered either way, so a timeout here marks the
	// handshake done rather than re-injecting on the next READY.
	if !c.awaitReady(wait) {
		c.logger.Warn("child did not settle after initial instruction",
			zap.Duration("timeout", wait))
		c.finishIdentity(true)
		return
	}

	time.Sleep(postIdentityIdleDelay)
	c.finishIdentity(true)
	c.logger.Info("initial instruction injected", zap.String("agent_id", c.opts.AgentID))
}

// renderIdentityInstruction substitutes placeholders and prepends the A2A
// system prefix so the child can tell the handshake apart from user traffic.
func (c *Controller) renderIdentityInstruction() string {
	text := c.opts.InitialInstruction
	repl := strings.NewReplacer(
		"{{agent_id}}", c.opts.AgentID,
		"{{agent_name}}", c.opts.AgentName,
		"{{agent_role}}", c.opts.AgentRole,
		"{{port}}", strconv.Itoa(c.opts.Port),
	)
	return IdentityPrefix(c.opts.AgentID) + repl.Replace(text)
}

// IdentityPrefix is the message prefix that marks wrapper-originated system
// messages, using the short (first 8 chars) form of the agent id.
func IdentityPrefix(agentID string) string {
	return "[A2A:" + ShortID(agentID) + ":synapse-system] "
}

// ShortID returns the first 8 characters of an agent id.
func ShortID(agentID string) string {
	if len(agentID) <= 8 {
		return agentID
	}
	return agentID[:8]
}

// awaitReady polls for a READY status up to the given timeout.
func (c *Controller) awaitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		status := c.status
		running := c.running
		c.mu.Unlock()
		if !running {
			return false
		}
		if status == types.AgentStatusReady {
			return true
		}
		time.Sleep(identityPollInterval)
	}
	return false
}

// finishIdentity clears the sending guard, recording success when sent.
func (c *Controller) finishIdentity(sent bool) {
	c.mu.Lock()
	c.identity.sending = false
	already := c.identity.sent
	if sent {
		c.identity.sent = true
	}
	cb := c.opts.OnIdentitySent
	c.mu.Unlock()

	if sent && !already && cb != nil {
		cb()
	}
}
