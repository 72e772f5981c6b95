package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// RegistrationStatus is the registration state of one device.
type RegistrationStatus string

const (
	StatusRegistering RegistrationStatus = "registering"
	StatusRegistered  RegistrationStatus = "registered"
	StatusFailed      RegistrationStatus = "failed"
)

const (
	// registerRetryDelay is the fixed wait after a failed REGISTER.
	// Registration failures are usually a PBX restart or a network blip;
	// a steady retry keeps the device visible without hammering anything.
	registerRetryDelay = 60 * time.Second

	// minRefreshInterval floors the re-REGISTER timer so a registrar
	// granting a tiny expiry cannot spin us into a tight loop.
	minRefreshInterval = 30 * time.Second

	unregisterTimeout = 5 * time.Second
)

// DeviceRegistration is a point-in-time snapshot of one device's
// registration, served by GET /api/registrations and read by metrics.
type DeviceRegistration struct {
	Extension    string             `json:"extension"`
	Name         string             `json:"name"`
	Status       RegistrationStatus `json:"status"`
	LastError    string             `json:"error,omitempty"`
	RegisteredAt *time.Time         `json:"registeredAt,omitempty"`
	ExpiresAt    *time.Time         `json:"expiresAt,omitempty"`
}

// deviceEntry holds per-device runtime registration state.
type deviceEntry struct {
	device *models.Device
	state  DeviceRegistration
	client *sipgo.Client
	cancel context.CancelFunc
}

// Registrar keeps every credentialed device registered with the PBX. Each
// device gets its own goroutine that REGISTERs, re-REGISTERs shortly before
// the granted expiry runs out, and retries on failure without giving up.
type Registrar struct {
	ua     *sipgo.UserAgent
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*deviceEntry // keyed by extension
}

// NewRegistrar creates a device registration manager.
func NewRegistrar(ua *sipgo.UserAgent, cfg *config.Config, logger *slog.Logger) *Registrar {
	return &Registrar{
		ua:      ua,
		cfg:     cfg,
		logger:  logger.With("subsystem", "registrar"),
		entries: make(map[string]*deviceEntry),
	}
}

// Start begins registration for a device. A device already running is
// stopped and restarted, picking up credential changes.
func (r *Registrar) Start(device *models.Device) error {
	if r.cfg.SIPRegistrar == "" {
		return fmt.Errorf("no sip registrar configured")
	}
	if !device.Registrable() {
		return fmt.Errorf("device %s has no sip credentials", device.Extension)
	}

	r.Stop(device.Extension)

	client, err := sipgo.NewClient(r.ua,
		sipgo.WithClientLogger(r.logger.With("extension", device.Extension)),
	)
	if err != nil {
		return fmt.Errorf("creating sip client for %s: %w", device.Extension, err)
	}

	// The loop outlives whatever triggered the start (boot, device reload,
	// HTTP request), so it runs on its own context.
	loopCtx, cancel := context.WithCancel(context.Background())

	entry := &deviceEntry{
		device: device,
		client: client,
		cancel: cancel,
		state: DeviceRegistration{
			Extension: device.Extension,
			Name:      device.Name,
			Status:    StatusRegistering,
		},
	}

	r.mu.Lock()
	r.entries[device.Extension] = entry
	r.mu.Unlock()

	go r.registrationLoop(loopCtx, entry)
	return nil
}

// Stop cancels a device's registration loop and un-registers best-effort.
func (r *Registrar) Stop(extension string) {
	r.mu.Lock()
	entry, ok := r.entries[extension]
	wasRegistered := ok && entry.state.Status == StatusRegistered
	if ok {
		delete(r.entries, extension)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	entry.cancel()

	if wasRegistered {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer unregCancel()
		if _, err := r.sendRegister(unregCtx, entry, 0); err != nil {
			r.logger.Warn("failed to un-register device",
				"extension", extension,
				"error", err,
			)
		}
	}

	entry.client.Close()
	r.logger.Info("device registration stopped", "extension", extension)
}

// StopAll stops every device registration. Returns the stopped extensions.
func (r *Registrar) StopAll() []string {
	r.mu.Lock()
	extensions := make([]string, 0, len(r.entries))
	for ext := range r.entries {
		extensions = append(extensions, ext)
	}
	r.mu.Unlock()

	for _, ext := range extensions {
		r.Stop(ext)
	}
	return extensions
}

// Status returns the registration snapshot for one extension.
func (r *Registrar) Status(extension string) (DeviceRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[extension]
	if !ok {
		return DeviceRegistration{}, false
	}
	return entry.state, true
}

// Statuses returns a snapshot of all device registrations, ordered by
// extension.
func (r *Registrar) Statuses() []DeviceRegistration {
	r.mu.RLock()
	states := make([]DeviceRegistration, 0, len(r.entries))
	for _, entry := range r.entries {
		states = append(states, entry.state)
	}
	r.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Extension < states[j].Extension })
	return states
}

// RegisteredCount returns how many devices are currently registered.
func (r *Registrar) RegisteredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entry := range r.entries {
		if entry.state.Status == StatusRegistered {
			n++
		}
	}
	return n
}

// registrationLoop keeps one device registered: initial REGISTER, then a
// refresh before the granted expiry lapses. Only one REGISTER is ever in
// flight per device because the loop is the sole sender.
func (r *Registrar) registrationLoop(ctx context.Context, entry *deviceEntry) {
	device := entry.device
	expiry := r.cfg.RegisterExpiry
	if expiry <= 0 {
		expiry = 300
	}

	r.logger.Info("starting device registration",
		"extension", device.Extension,
		"registrar", r.cfg.SIPRegistrar,
		"expiry", expiry,
	)

	for {
		granted, err := r.sendRegister(ctx, entry, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			// A persistent 401 lands here too: wrong credentials are an
			// operator problem, not a reason to stop trying.
			r.logger.Error("device registration failed",
				"extension", device.Extension,
				"error", err,
				"retry_in", registerRetryDelay.String(),
			)

			r.mu.Lock()
			if e, ok := r.entries[device.Extension]; ok {
				e.state.Status = StatusFailed
				e.state.LastError = err.Error()
			}
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(registerRetryDelay):
				continue
			}
		}

		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		r.mu.Lock()
		if e, ok := r.entries[device.Extension]; ok {
			e.state.Status = StatusRegistered
			e.state.LastError = ""
			e.state.RegisteredAt = &now
			e.state.ExpiresAt = &expiresAt
		}
		r.mu.Unlock()

		r.logger.Info("device registered",
			"extension", device.Extension,
			"granted_expiry", granted,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval(granted)):
			r.logger.Debug("re-registering device", "extension", device.Extension)
		}
	}
}

// refreshInterval returns when to re-REGISTER for a granted expiry in
// seconds: 90% of the grant, never under 30 s.
func refreshInterval(grantedSeconds int) time.Duration {
	d := time.Duration(float64(grantedSeconds)*0.9) * time.Second
	if d < minRefreshInterval {
		return minRefreshInterval
	}
	return d
}

// sendRegister sends one REGISTER (expiry 0 un-registers), answering a
// digest challenge with the device's auth id and password. It returns the
// expiry the registrar granted.
func (r *Registrar) sendRegister(ctx context.Context, entry *deviceEntry, expiry int) (int, error) {
	device := entry.device

	recipientStr := "sip:" + r.cfg.SIPRegistrar
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	// The AOR identifies the extension; the PBX routes INVITEs for it to
	// the Contact below.
	aor := fmt.Sprintf("<sip:%s@%s>", device.Extension, r.cfg.SIPDomain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contact := fmt.Sprintf("<sip:%s@%s:%d>;expires=%d",
		device.Extension, r.cfg.AdvertiseIP(), r.cfg.SIPPort, expiry)
	req.AppendHeader(sip.NewHeader("Contact", contact))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := entry.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		// Digest identity is the auth id, not the extension.
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: device.SIPAuthID,
			Password: device.SIPPassword,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := entry.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	return grantedExpiry(res, expiry), nil
}

// grantedExpiry reads the expiry the registrar actually granted: the
// Contact expires parameter wins, then the Expires header, then what we
// asked for.
func grantedExpiry(res *sip.Response, requested int) int {
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			return parsed
		}
	}
	if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			return parsed
		}
	}
	return requested
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:12600@10.0.0.5:5062>;expires=3600. Returns 0 when the
// parameter is absent or malformed.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next parameter, list element, or whitespace.
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (plain seconds).
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}
