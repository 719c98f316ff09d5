package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"marki/metrics"
	"marki/models"
	"marki/parse"
	"marki/utils"
)

// RelanceService sends the relances that are due.
type RelanceService struct {
	parse   *parse.Client
	mailer  Mailer
	limiter *rate.Limiter
	log     *logrus.Entry
	clock   Clock
	running sync.Mutex

	// RetryDelay is the pause between two attempts of the same run.
	RetryDelay time.Duration
	// RetryAfter is how far a failed relance is pushed back.
	RetryAfter time.Duration
}

// NewRelanceService throttles sends to perSecond with the given burst. A zero rate disables throttling.
func NewRelanceService(pc *parse.Client, mailer Mailer, perSecond float64, burst int) *RelanceService {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RelanceService{
		parse:      pc,
		mailer:     mailer,
		limiter:    rate.NewLimiter(limit, burst),
		log:        utils.Component("relance_cron"),
		RetryDelay: 2 * time.Second,
		RetryAfter: time.Hour,
	}
}

const sendAttemptsPerRun = 3

// staleClaimAfter is how long a relance may stay "sending" before a later run
// takes it back, e.g. after a crash between the claim and the status update.
const staleClaimAfter = 30 * time.Minute

// ErrRunInProgress is returned by ProcessDue while another run of this process is sending.
var ErrRunInProgress = conflict("Un envoi des relances est déjà en cours")

type RelanceOutcome struct {
	RelanceID string `json:"relanceId"`
	Status    string `json:"status"`
	Email     string `json:"email"`
	Error     string `json:"error,omitempty"`
	RetryDate string `json:"retryDate,omitempty"`
}

type CronResult struct {
	Success          bool             `json:"success"`
	Message          string           `json:"message"`
	ProcessedCount   int              `json:"processedCount"`
	SentCount        int              `json:"sentCount"`
	FailedCount      int              `json:"failedCount"`
	ReplanifiedCount int              `json:"replanifiedCount"`
	SkippedCount     int              `json:"skippedCount,omitempty"`
	Details          []RelanceOutcome `json:"details"`
	LogID            string           `json:"logId,omitempty"`
	Duration         string           `json:"duration"`
}

// due lists the unsent relances whose date has come. Relances claimed by a run
// are left out until the claim goes stale.
func (s *RelanceService) due(ctx context.Context, now time.Time) ([]models.Relance, error) {
	return parse.FindAll[models.Relance](ctx, s.parse, models.ClassRelances, parse.Query{
		Where: map[string]any{
			"is_sent":   false,
			"send_date": parse.Lte(parse.NewDate(now)),
			"$or": []map[string]any{
				{"status": parse.NotIn([]string{models.RelanceFailed, models.RelanceSending})},
				{"status": models.RelanceSending, "last_attempt_date": parse.Lt(parse.NewDate(now.Add(-staleClaimAfter)))},
			},
		},
		Order: "send_date",
	})
}

// claim marks r as being sent so that an overlapping run on another instance
// skips it. It re-reads the relance first and reports false when it was sent or
// claimed in the meantime. Parse has no conditional update, so two instances
// reading at the same instant can still both claim.
func (s *RelanceService) claim(ctx context.Context, r models.Relance, now time.Time) bool {
	var fresh models.Relance
	if err := s.parse.Get(ctx, models.ClassRelances, r.ObjectID, &fresh); err != nil {
		s.log.WithError(err).WithField("relance_id", r.ObjectID).Warn("Relance vanished before sending")
		return false
	}
	if fresh.IsSent || fresh.Status == models.RelanceSent || fresh.Status == models.RelanceCancelled {
		return false
	}
	if fresh.Status == models.RelanceSending && fresh.LastAttemptDate != nil &&
		fresh.LastAttemptDate.Time.After(now.Add(-staleClaimAfter)) {
		return false
	}
	if err := s.parse.Update(ctx, models.ClassRelances, r.ObjectID, map[string]any{
		"status":            models.RelanceSending,
		"last_attempt_date": parse.NewDate(now),
	}); err != nil {
		s.log.WithError(err).WithField("relance_id", r.ObjectID).Warn("Failed to claim relance")
		return false
	}
	return true
}

// ProcessDue sends every relance whose date has come, oldest first, and writes a
// CronLog. Runs do not overlap within a process: a call made while another run
// is sending returns ErrRunInProgress. Each relance is claimed before its send.
func (s *RelanceService) ProcessDue(ctx context.Context) (CronResult, error) {
	if !s.running.TryLock() {
		return CronResult{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	start := s.clock.now()
	relances, err := s.due(ctx, start)
	if err != nil {
		return CronResult{}, fmt.Errorf("fetch due relances: %w", err)
	}

	res := CronResult{Success: true, Details: []RelanceOutcome{}}
	if len(relances) == 0 {
		res.Message = "Aucune relance à traiter"
		res.LogID = s.writeLog(ctx, res, []any{"Aucune relance à traiter"})
		res.Duration = s.clock.now().Sub(start).String()
		return res, nil
	}
	s.log.WithField("count", len(relances)).Info("Processing due relances")

	profiles := map[string]utils.SMTPSettings{}
	for _, r := range relances {
		if err := ctx.Err(); err != nil {
			break
		}
		if !s.claim(ctx, r, s.clock.now()) {
			res.SkippedCount++
			continue
		}
		res.ProcessedCount++
		outcome := s.process(ctx, r, profiles)
		switch outcome.Status {
		case models.RelanceSent:
			res.SentCount++
		case "replanified":
			res.FailedCount++
			res.ReplanifiedCount++
		default:
			res.FailedCount++
		}
		res.Details = append(res.Details, outcome)
	}

	details := make([]any, 0, len(res.Details))
	for _, d := range res.Details {
		details = append(details, d)
	}
	res.Message = fmt.Sprintf("%d relance(s) traitée(s): %d envoyée(s), %d échouée(s), %d replanifiée(s)",
		res.ProcessedCount, res.SentCount, res.FailedCount, res.ReplanifiedCount)
	res.LogID = s.writeLog(ctx, res, details)
	res.Duration = s.clock.now().Sub(start).String()

	s.log.WithFields(logrus.Fields{
		"processed":   res.ProcessedCount,
		"sent":        res.SentCount,
		"failed":      res.FailedCount,
		"replanified": res.ReplanifiedCount,
		"skipped":     res.SkippedCount,
	}).Info("Relance cron finished")
	return res, nil
}

func (s *RelanceService) process(ctx context.Context, r models.Relance, profiles map[string]utils.SMTPSettings) RelanceOutcome {
	out := RelanceOutcome{RelanceID: r.ObjectID, Email: r.EmailTo}

	var (
		messageID string
		sendErr   error
	)
sending:
	for attempt := 1; attempt <= sendAttemptsPerRun; attempt++ {
		messageID, sendErr = s.send(ctx, r, profiles)
		if sendErr == nil || errors.Is(sendErr, errNoRecipient) {
			break
		}
		s.log.WithError(sendErr).WithFields(logrus.Fields{"relance_id": r.ObjectID, "attempt": attempt}).Warn("Relance send failed")
		if attempt < sendAttemptsPerRun && s.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				break sending
			case <-time.After(s.RetryDelay):
			}
		}
	}

	now := s.clock.now()
	if sendErr == nil {
		if err := s.parse.Update(ctx, models.ClassRelances, r.ObjectID, map[string]any{
			"is_sent":    true,
			"status":     models.RelanceSent,
			"sent_date":  parse.NewDate(now),
			"message_id": messageID,
		}); err != nil {
			utils.LogError("relance_update_failed", err, map[string]interface{}{"relance_id": r.ObjectID})
		}
		metrics.Relances.WithLabelValues("sent").Inc()
		out.Status = models.RelanceSent
		return out
	}

	out.Error = sendErr.Error()
	attempts := r.Attempts + 1
	changes := map[string]any{
		"status":            models.RelanceFailed,
		"last_attempt_date": parse.NewDate(now),
		"attempts":          attempts,
		"last_error":        sendErr.Error(),
	}
	out.Status = models.RelanceFailed
	if attempts < models.MaxRelanceAttempts {
		retry := now.Add(s.RetryAfter)
		changes["status"] = models.RelanceScheduled
		changes["send_date"] = parse.NewDate(retry)
		out.Status = "replanified"
		out.RetryDate = retry.Format(time.RFC3339)
	}
	if err := s.parse.Update(ctx, models.ClassRelances, r.ObjectID, changes); err != nil {
		utils.LogError("relance_update_failed", err, map[string]interface{}{"relance_id": r.ObjectID})
	}
	metrics.Relances.WithLabelValues(out.Status).Inc()

	if out.Status == models.RelanceFailed {
		utils.LogError("relance_failed", sendErr, map[string]interface{}{"relance_id": r.ObjectID, "attempts": attempts})
		if _, err := recordEmailError(ctx, s.parse, r.ImpayeID(), r.ObjectID, sendErr.Error()); err != nil {
			utils.LogError("email_error_log_failed", err, map[string]interface{}{"relance_id": r.ObjectID})
		}
	}
	return out
}

var errNoRecipient = errors.New("adresse email manquante pour la relance")

func (s *RelanceService) send(ctx context.Context, r models.Relance, profiles map[string]utils.SMTPSettings) (string, error) {
	to := utils.SplitEmails(r.EmailTo)
	if len(to) == 0 {
		return "", errNoRecipient
	}
	settings, err := s.settings(ctx, r, profiles)
	if err != nil {
		return "", err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	e := utils.Email{
		To:      to,
		Cc:      utils.SplitEmails(r.EmailCc),
		Subject: r.EmailSubject,
	}
	if strings.Contains(r.EmailBody, "</") {
		e.HTML = r.EmailBody
	} else {
		e.Text = r.EmailBody
	}
	return s.mailer.Send(ctx, settings, e)
}

// settings resolves the account of a relance: its profile, else the SMTP_* account.
// email_sender overrides the From address.
func (s *RelanceService) settings(ctx context.Context, r models.Relance, profiles map[string]utils.SMTPSettings) (utils.SMTPSettings, error) {
	var settings utils.SMTPSettings
	if id := r.ProfileID(); id != "" {
		cached, ok := profiles[id]
		if !ok {
			var p models.SMTPProfile
			if err := s.parse.Get(ctx, models.ClassSMTPProfile, id, &p); err != nil {
				return settings, fmt.Errorf("smtp profile %s: %w", id, err)
			}
			if p.IsArchived || !p.IsActive {
				return settings, fmt.Errorf("smtp profile %s is not active", id)
			}
			var err error
			if cached, err = smtpSettings(p); err != nil {
				return settings, fmt.Errorf("smtp profile %s: %w", id, err)
			}
			profiles[id] = cached
		}
		settings = cached
	} else {
		def, ok := defaultSMTPSettings()
		if !ok {
			return settings, errors.New("aucun profil SMTP disponible pour cette relance")
		}
		settings = def
	}
	if sender := strings.TrimSpace(r.EmailSender); sender != "" {
		settings.From = sender
	}
	return settings, nil
}

func (s *RelanceService) writeLog(ctx context.Context, res CronResult, details []any) string {
	entry := models.CronLog{
		ExecutionDate:       parse.NewDate(s.clock.now()),
		RelancesProcessed:   res.ProcessedCount,
		RelancesSent:        res.SentCount,
		RelancesFailed:      res.FailedCount,
		RelancesReplanified: res.ReplanifiedCount,
		Details:             details,
	}
	created, err := s.parse.Create(ctx, models.ClassCronLog, entry)
	if err != nil {
		utils.LogError("cron_log_failed", err, nil)
		return ""
	}
	return created.ObjectID
}
