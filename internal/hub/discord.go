package hub

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

const (
	colorSuccess = 0x00CC66
	colorFailure = 0xCC3333
	colorWarning = 0xFF9900
	colorInfo    = 0x3399FF
	colorError   = 0xCC3333
)

const alertQueueSize = 32

// DiscordSession abstracts the discordgo.Session methods used by DiscordBot,
// enabling mock-based testing without real Discord API calls.
type DiscordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ApplicationCommandCreate(appID string, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID string, guildID string, cmdID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	State() *discordgo.State
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error) {
	return r.s.ApplicationCommandCreate(appID, guildID, cmd, options...)
}

func (r *realDiscordSession) ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error {
	return r.s.ApplicationCommandDelete(appID, guildID, cmdID, options...)
}

func (r *realDiscordSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}

func (r *realDiscordSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.FollowupMessageCreate(interaction, wait, params, options...)
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (r *realDiscordSession) State() *discordgo.State {
	return r.s.State
}

// DiscordBot exposes operator controls as slash commands and posts
// hardware failures to an alerts channel.
type DiscordBot struct {
	session       DiscordSession
	guildID       string
	alertsChannel string
	coord         *Coordinator
	hub           *Hub
	logger        *zap.Logger

	alerts chan HardwareCommandResult
	done   chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	commandIDs    []string
	running       bool
	removeHandler func()
}

// NewDiscordBot creates a DiscordBot with a real discordgo session.
func NewDiscordBot(token, guildID, alertsChannel string, coord *Coordinator, hub *Hub, bus *Bus, logger *zap.Logger) (*DiscordBot, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return NewDiscordBotWithSession(&realDiscordSession{s: dg}, guildID, alertsChannel, coord, hub, bus, logger), nil
}

// NewDiscordBotWithSession creates a DiscordBot with an injected session (for testing).
func NewDiscordBotWithSession(session DiscordSession, guildID, alertsChannel string, coord *Coordinator, hub *Hub, bus *Bus, logger *zap.Logger) *DiscordBot {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &DiscordBot{
		session:       session,
		guildID:       guildID,
		alertsChannel: alertsChannel,
		coord:         coord,
		hub:           hub,
		logger:        logger,
		alerts:        make(chan HardwareCommandResult, alertQueueSize),
		done:          make(chan struct{}),
	}
	if bus != nil && alertsChannel != "" {
		bus.Subscribe(EventHardwareCommandResult, b.onHardwareResult)
	}
	return b
}

func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "timer",
			Description: "Control the session timer",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "action",
					Description: "start, pause, restart or win",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "start", Value: "start"},
						{Name: "pause", Value: "pause"},
						{Name: "restart", Value: "restart"},
						{Name: "win", Value: "win"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "minutes",
					Description: "Session length in minutes",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "note",
					Description: "Note recorded with the change",
					Required:    false,
				},
			},
		},
		{
			Name:        "devices",
			Description: "List known devices",
		},
		{
			Name:        "direct",
			Description: "Send a command to a device type",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "target",
					Description: "Device type",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "command",
					Description: "Command name",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "instance",
					Description: "Limit to one instance id",
					Required:    false,
				},
			},
		},
		{
			Name:        "reset",
			Description: "Reset every connected client",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Reason shown to clients",
					Required:    false,
				},
			},
		},
	}
}

// Start opens the Discord session, registers commands, and sets up the interaction handler.
func (b *DiscordBot) Start() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("discord bot is already running")
	}
	b.mu.Unlock()

	b.removeHandler = b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.handleInteraction(i)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	appID := b.appID()
	var registeredIDs []string
	for _, cmd := range slashCommands() {
		registered, err := b.session.ApplicationCommandCreate(appID, b.guildID, cmd)
		if err != nil {
			b.logger.Warn("failed to register slash command",
				zap.String("command", cmd.Name),
				zap.Error(err),
			)
			continue
		}
		registeredIDs = append(registeredIDs, registered.ID)
		b.logger.Info("registered slash command", zap.String("command", cmd.Name))
	}

	b.mu.Lock()
	b.commandIDs = registeredIDs
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.alertLoop()

	return nil
}

// Stop deregisters commands and closes the Discord session.
func (b *DiscordBot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	ids := b.commandIDs
	b.commandIDs = nil
	b.running = false
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	appID := b.appID()
	for _, id := range ids {
		if err := b.session.ApplicationCommandDelete(appID, b.guildID, id); err != nil {
			b.logger.Warn("failed to delete slash command", zap.String("id", id), zap.Error(err))
		}
	}

	if b.removeHandler != nil {
		b.removeHandler()
	}

	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (b *DiscordBot) appID() string {
	state := b.session.State()
	if state != nil && state.User != nil {
		return state.User.ID
	}
	return ""
}

func (b *DiscordBot) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// onHardwareResult runs on the publisher's goroutine and only queues.
func (b *DiscordBot) onHardwareResult(ev BusEvent) {
	res, ok := ev.Payload.(HardwareCommandResult)
	if !ok || res.Status != "error" || !b.isRunning() {
		return
	}
	select {
	case b.alerts <- res:
	default:
		b.logger.Warn("discord alert queue full, dropping alert",
			zap.String("device_id", res.DeviceID),
			zap.String("command", res.Command),
		)
	}
}

func (b *DiscordBot) alertLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case res := <-b.alerts:
			if _, err := b.session.ChannelMessageSendEmbed(b.alertsChannel, hardwareAlertEmbed(res)); err != nil {
				b.logger.Error("failed to post hardware alert", zap.String("device_id", res.DeviceID), zap.Error(err))
			}
		}
	}
}

// handleInteraction routes incoming interactions to the appropriate command handler.
func (b *DiscordBot) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in interaction handler",
				zap.Any("panic", r),
				zap.String("command", i.ApplicationCommandData().Name),
			)
			_, _ = b.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
				Embeds: []*discordgo.MessageEmbed{errorEmbed("Internal Error", "An unexpected error occurred. Please try again.")},
			})
		}
	}()

	data := i.ApplicationCommandData()
	cmdName := data.Name

	if err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.logger.Error("failed to acknowledge interaction", zap.String("command", cmdName), zap.Error(err))
		return
	}

	opts := make(map[string]*discordgo.ApplicationCommandInteractionDataOption)
	for _, opt := range data.Options {
		opts[opt.Name] = opt
	}
	origin := Origin{Actor: "discord:" + interactionUser(i.Interaction)}

	var embed *discordgo.MessageEmbed
	switch cmdName {
	case "timer":
		embed = b.handleTimer(opts, origin)
	case "devices":
		embed = b.handleDevices()
	case "direct":
		embed = b.handleDirect(opts, origin)
	case "reset":
		embed = b.handleReset(opts, origin)
	default:
		embed = errorEmbed("Unknown Command", fmt.Sprintf("Command `/%s` is not recognized.", cmdName))
	}

	if _, err := b.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}); err != nil {
		b.logger.Error("failed to send followup", zap.String("command", cmdName), zap.Error(err))
	}
}

func (b *DiscordBot) handleTimer(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, origin Origin) *discordgo.MessageEmbed {
	actionOpt, ok := opts["action"]
	if !ok {
		return validationErrorEmbed("Missing required argument: `action`")
	}
	action := actionOpt.StringValue()

	cmd := StatusCommand{Operator: origin.Actor}
	if noteOpt, ok := opts["note"]; ok {
		cmd.Note = noteOpt.StringValue()
	}
	if minOpt, ok := opts["minutes"]; ok {
		seconds := float64(minOpt.IntValue() * 60)
		cmd.DurationSeconds = &seconds
	}

	snap, err := b.coord.StatusCommand(action, cmd, origin)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return &discordgo.MessageEmbed{
				Title:       "Timer: " + action,
				Description: fmt.Sprintf("Cannot %s while the timer is **%s**.", action, snap.Status.Phase),
				Color:       colorWarning,
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
			}
		}
		return errorEmbed("Timer Failed", sanitizeError(err))
	}
	return statusEmbed("Timer: "+action, snap)
}

func (b *DiscordBot) handleDevices() *discordgo.MessageEmbed {
	count := 0
	if b.hub != nil {
		count = b.hub.ClientCount()
	}
	devices := b.coord.Registry.List()

	lines := []string{
		fmt.Sprintf("**Connections:** %d", count),
		fmt.Sprintf("**Known devices:** %d", len(devices)),
	}
	const maxDeviceLines = 15
	for i, d := range devices {
		if i >= maxDeviceLines {
			lines = append(lines, fmt.Sprintf("...and %d more", len(devices)-maxDeviceLines))
			break
		}
		latency := "-"
		if d.LatencyMs != nil {
			latency = fmt.Sprintf("%dms", *d.LatencyMs)
		}
		lines = append(lines, fmt.Sprintf("`%s/%s` - %s (%s) - %s",
			d.DeviceType,
			valueOrDash(d.InstanceID),
			d.Status,
			valueOrDash(string(d.Transport)),
			latency,
		))
	}

	return &discordgo.MessageEmbed{
		Title:       "Devices",
		Description: strings.Join(lines, "\n"),
		Color:       colorInfo,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func (b *DiscordBot) handleDirect(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, origin Origin) *discordgo.MessageEmbed {
	targetOpt, ok := opts["target"]
	if !ok {
		return validationErrorEmbed("Missing required argument: `target`")
	}
	commandOpt, ok := opts["command"]
	if !ok {
		return validationErrorEmbed("Missing required argument: `command`")
	}

	env := CommandEnvelope{
		Target:  targetOpt.StringValue(),
		Command: commandOpt.StringValue(),
		Source:  "discord",
	}
	if instOpt, ok := opts["instance"]; ok {
		env.TargetInstanceID = instOpt.StringValue()
	}

	title := fmt.Sprintf("Direct: %s %s", env.Target, env.Command)
	exec, err := b.coord.Direct(env, origin)
	if err != nil {
		return &discordgo.MessageEmbed{
			Title:       title,
			Description: sanitizeError(err),
			Color:       colorFailure,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
	}

	return &discordgo.MessageEmbed{
		Title:       title,
		Description: fmt.Sprintf("Dispatched as `%s`", valueOrDash(exec.Event)),
		Color:       colorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Transport", Value: valueOrDash(string(exec.Transport)), Inline: true},
			{Name: "Recipients", Value: fmt.Sprintf("%d", len(exec.Recipients)), Inline: true},
		},
		Timestamp: exec.At.UTC().Format(time.RFC3339),
	}
}

func (b *DiscordBot) handleReset(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, origin Origin) *discordgo.MessageEmbed {
	reason := "discord"
	if reasonOpt, ok := opts["reason"]; ok && reasonOpt.StringValue() != "" {
		reason = reasonOpt.StringValue()
	}
	sent := b.coord.Reset(shared.ResetPayload{Reason: reason, Source: "discord"}, origin)

	return &discordgo.MessageEmbed{
		Title:       "Reset",
		Description: fmt.Sprintf("Reset broadcast: %s", sent.Reason),
		Color:       colorSuccess,
		Timestamp:   time.UnixMilli(sent.At).UTC().Format(time.RFC3339),
	}
}

func statusEmbed(title string, snap StatusSnapshot) *discordgo.MessageEmbed {
	color := colorInfo
	switch snap.Status.Phase {
	case PhaseRunning:
		color = colorSuccess
	case PhasePaused:
		color = colorWarning
	}
	remaining := time.Duration(snap.Timer.RemainingMs) * time.Millisecond
	fields := []*discordgo.MessageEmbedField{
		{Name: "Phase", Value: string(snap.Status.Phase), Inline: true},
		{Name: "Remaining", Value: remaining.Truncate(time.Second).String(), Inline: true},
	}
	if snap.Status.Result != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Result", Value: snap.Status.Result, Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:     title,
		Color:     color,
		Fields:    fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func hardwareAlertEmbed(res HardwareCommandResult) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Hardware command failed",
		Description: fmt.Sprintf("`%s` on `%s/%s`", res.Command, res.DeviceType, res.DeviceID),
		Color:       colorFailure,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Error", Value: valueOrDash(res.Error)},
			{Name: "Duration", Value: fmt.Sprintf("%dms", res.DurationMs), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// errorEmbed creates a red error embed with a safe message.
func errorEmbed(title, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       colorError,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func validationErrorEmbed(description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Validation Error",
		Description: description,
		Color:       colorError,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// sanitizeError maps internal errors to operator-facing text.
func sanitizeError(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return "That command is not defined for this device type."
	case errors.Is(err, ErrCommandNotAllowed):
		return "That command cannot be sent to hardware devices."
	case errors.Is(err, ErrDeliveryIncomplete):
		return "No device accepted the command."
	case errors.Is(err, ErrMissingTarget), errors.Is(err, ErrMissingCommand):
		return "Target and command are required."
	case errors.Is(err, ErrUnknownStatusCommand):
		return "Unknown timer action."
	}
	return "An error occurred while processing the command."
}

func interactionUser(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.Username
	}
	if i.User != nil {
		return i.User.Username
	}
	return "unknown"
}

// valueOrDash returns the value or "-" if empty.
func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
