package krbdelegate

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

// Ticket is an obtained service ticket in wire form
type Ticket struct {
	// SPN is the service principal the ticket is for
	SPN string

	// Raw is the ASN.1 marshalled ticket
	Raw []byte

	// ExpiresAt is when the cached ticket should be discarded
	ExpiresAt time.Time
}

// TicketSource obtains service tickets from a KDC. The production source
// holds a keytab-authenticated client; tests substitute a canned source.
type TicketSource interface {
	// ServiceTicket obtains a ticket for the SPN on behalf of user. Sources
	// that cannot impersonate ignore user and return the service account's
	// own ticket.
	ServiceTicket(ctx context.Context, user, spn string) (*Ticket, error)

	// Impersonates reports whether issued tickets are bound to the
	// requesting user. When false, one ticket per SPN is shared.
	Impersonates() bool

	// Refresh re-authenticates the underlying client
	Refresh() error

	// Close destroys the client session
	Close()
}

// keytabSource authenticates with a keytab and obtains tickets through the
// resulting client session
type keytabSource struct {
	client    *client.Client
	ticketTTL time.Duration
}

// keytabSourceConfig configures the production ticket source
type keytabSourceConfig struct {
	keytabFile string
	krb5File   string
	username   string
	realm      string
	ticketTTL  time.Duration
}

// newKeytabSource loads the keytab and krb5 configuration, creates the
// client, and logs in. Active Directory does not commonly support FAST
// negotiation, so PA-FX-FAST is disabled.
func newKeytabSource(cfg keytabSourceConfig) (*keytabSource, error) {
	kt, err := keytab.Load(cfg.keytabFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load keytab: %w", err)
	}

	conf, err := config.Load(cfg.krb5File)
	if err != nil {
		return nil, fmt.Errorf("failed to load krb5 config: %w", err)
	}

	kbClient := client.NewWithKeytab(
		cfg.username,
		cfg.realm,
		kt,
		conf,
		client.DisablePAFXFAST(true))

	if err := kbClient.Login(); err != nil {
		return nil, fmt.Errorf("kerberos login failed: %w", err)
	}

	return &keytabSource{client: kbClient, ticketTTL: cfg.ticketTTL}, nil
}

// ServiceTicket obtains the service account's own ticket for the SPN. The
// gokrb5 client API performs no S4U protocol transition, so the user is
// not encoded in the ticket and Impersonates reports false.
func (s *keytabSource) ServiceTicket(_ context.Context, _, spn string) (*Ticket, error) {
	tkt, _, err := s.client.GetServiceTicket(spn)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain service ticket for %q: %w", spn, err)
	}

	raw, err := tkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service ticket: %w", err)
	}

	return &Ticket{
		SPN:       spn,
		Raw:       raw,
		ExpiresAt: time.Now().Add(s.ticketTTL),
	}, nil
}

func (s *keytabSource) Impersonates() bool { return false }

func (s *keytabSource) Refresh() error {
	return s.client.Login()
}

func (s *keytabSource) Close() {
	s.client.Destroy()
}
