package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"pipemedic/internal/models"
	"pipemedic/internal/notify"
	"pipemedic/internal/session"
)

// Fix branches are named by session type so a failing fix pipeline can be
// routed back to the session kind that pushed it.
const (
	pipelineFixPrefix = "fix/pipeline_"
	qualityFixPrefix  = "fix/sonarqube_"
)

// pipelineEvent is the subset of the GitLab pipeline webhook the triager
// reads. Missing fields decode to zero values and degrade to "Unknown"
// behavior downstream rather than failing the delivery.
type pipelineEvent struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		ID     int64  `json:"id"`
		Ref    string `json:"ref"`
		Status string `json:"status"`
		SHA    string `json:"sha"`
		URL    string `json:"url"`
	} `json:"object_attributes"`
	Project struct {
		ID                int64  `json:"id"`
		Name              string `json:"name"`
		PathWithNamespace string `json:"path_with_namespace"`
		WebURL            string `json:"web_url"`
	} `json:"project"`
	Builds []build `json:"builds"`
}

// build is one job entry from the webhook's builds array.
type build struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	FinishedAt    string `json:"finished_at"`
}

// HandlePipeline routes one GitLab pipeline webhook delivery. Routing paths:
//  1. Not a pipeline event → ignore
//  2. Pipeline success → resolution check (fix branch passed / target branch
//     merged / nothing to do)
//  3. Pipeline neither failed nor success → ignore
//  4. Failure on a fix branch owned by an active session → mark the attempt
//     failed, then auto-retry or stop at the attempt cap
//  5. Failure already covered by an active session → ignore (idempotent
//     under webhook redelivery)
//  6. Fresh failure → open a session and start background analysis
func (t *Triager) HandlePipeline(ctx context.Context, payload []byte) (Outcome, error) {
	ev, err := decodePipelineEvent(payload)
	if err != nil {
		return Outcome{}, err
	}

	if ev.ObjectKind != "pipeline" {
		return Outcome{Status: "ignored", Reason: "not a pipeline event"}, nil
	}

	projectID := strconv.FormatInt(ev.Project.ID, 10)
	ref := ev.ObjectAttributes.Ref
	status := ev.ObjectAttributes.Status
	log.Printf("triage: pipeline %d project=%s ref=%s status=%s",
		ev.ObjectAttributes.ID, projectID, ref, status)

	if status == "success" {
		return t.handlePipelineSuccess(ctx, projectID, ref)
	}
	if status != "failed" {
		return Outcome{Status: "ignored", Reason: "not a failure event"}, nil
	}

	sessionType := "pipeline"
	fixPrefix := pipelineFixPrefix
	if t.isQualityFailure(ctx, projectID, ev.Builds) {
		sessionType = "quality"
		fixPrefix = qualityFixPrefix
	}

	if strings.HasPrefix(ref, fixPrefix) {
		return t.handleFixBranchFailure(ctx, sessionType, projectID, ref, ev.Builds)
	}

	if existing, err := session.FindActive(t.db, sessionType, projectID); err != nil {
		return Outcome{}, err
	} else if existing != nil {
		log.Printf("triage: active %s session %s already covers project %s",
			sessionType, existing.ID, projectID)
		return Outcome{
			Status:    "ignored",
			Reason:    fmt.Sprintf("Active %s session already exists", sessionType),
			SessionID: existing.ID,
		}, nil
	}

	if sessionType == "quality" {
		return t.openQualitySession(ctx, ev, payload)
	}
	return t.openPipelineSession(ctx, ev, payload)
}

func decodePipelineEvent(payload []byte) (pipelineEvent, error) {
	var ev pipelineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("triage: decode pipeline event: %w", err)
	}
	return ev, nil
}

// qualityLogPhrases mark a job log as a quality-gate failure. Matched
// case-insensitively against the most recent failed job's trace.
var qualityLogPhrases = []string{
	"Quality Gate failure",
	"QUALITY GATE STATUS: FAILED",
	"Quality gate failed",
	"SonarQube analysis reported",
	"Quality gate status: ERROR",
	"failed because the quality gate",
	"Your code fails the quality gate",
	"SonarQube Quality Gate has failed",
}

// isQualityFailure decides whether a failed pipeline is really a quality
// gate failure. Only the most recent failed job is inspected: its name for
// quality keywords, then its log for the known gate-failure phrases. A
// trace fetch error degrades to the generic pipeline classification.
func (t *Triager) isQualityFailure(ctx context.Context, projectID string, builds []build) bool {
	job := latestFailedBuild(builds)
	if job == nil {
		return false
	}

	name := strings.ToLower(job.Name)
	if strings.Contains(name, "sonar") || strings.Contains(name, "quality") {
		log.Printf("triage: job %q is a quality scan, routing to quality session", job.Name)
		return true
	}

	trace, err := t.gl.JobTrace(ctx, projectID, strconv.FormatInt(job.ID, 10))
	if err != nil {
		log.Printf("triage: fetch trace for job %d: %v", job.ID, err)
		return false
	}
	lower := strings.ToLower(trace)
	for _, phrase := range qualityLogPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			log.Printf("triage: quality gate marker in job %q log", job.Name)
			return true
		}
	}
	return false
}

// latestFailedBuild returns the most recently finished failed job, or nil
// when the payload has no failed builds.
func latestFailedBuild(builds []build) *build {
	var failed []build
	for _, b := range builds {
		if b.Status == "failed" {
			failed = append(failed, b)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].FinishedAt > failed[j].FinishedAt
	})
	return &failed[0]
}

// handlePipelineSuccess checks whether a green pipeline closes the loop on
// an active session: a fix branch passing its checks, or the target branch
// passing after the fix was merged.
func (t *Triager) handlePipelineSuccess(ctx context.Context, projectID, ref string) (Outcome, error) {
	active, err := session.ListActive(t.db)
	if err != nil {
		return Outcome{}, err
	}

	if strings.HasPrefix(ref, "fix/") {
		for i := range active {
			sess := &active[i]
			if sess.ProjectID != projectID {
				continue
			}
			attempt, err := session.PendingAttemptOn(t.db, sess.ID, ref)
			if err != nil {
				return Outcome{}, err
			}
			if attempt == nil {
				continue
			}
			return t.passFixAttempt(ctx, sess, attempt, ref)
		}
		return Outcome{Status: "ignored"}, nil
	}

	for i := range active {
		sess := &active[i]
		if sess.ProjectID != projectID || ref != sess.Branch {
			continue
		}
		succeeded, err := anyAttemptSucceeded(t.db, sess.ID)
		if err != nil {
			return Outcome{}, err
		}
		if !succeeded && sess.MergeRequestURL == "" {
			continue
		}
		return t.resolveSession(ctx, sess, ref)
	}

	return Outcome{Status: "ignored"}, nil
}

// anyAttemptSucceeded reports whether the session has at least one
// successful fix attempt. A green target branch closes the session once
// an attempt succeeded or a merge request is on record.
func anyAttemptSucceeded(db *gorm.DB, sessionID string) (bool, error) {
	attempts, err := session.Attempts(db, sessionID)
	if err != nil {
		return false, err
	}
	for _, a := range attempts {
		if a.Status == "success" {
			return true, nil
		}
	}
	return false, nil
}

// passFixAttempt marks a pending attempt successful and tells the user the
// fix branch is ready to merge.
func (t *Triager) passFixAttempt(ctx context.Context, sess *models.Session, attempt *models.FixAttempt, ref string) (Outcome, error) {
	if _, err := session.UpdateAttempt(t.db, sess.ID, attempt.AttemptNumber, session.AttemptUpdate{
		Status: "success",
	}); err != nil {
		return Outcome{}, err
	}

	mrURL := attempt.MergeRequestURL
	if mrURL == "" {
		mrURL = sess.MergeRequestURL
	}
	text := fmt.Sprintf("✅ **Fix Successful!**\n\n"+
		"The pipeline on branch `%s` has passed all checks.\n\n"+
		"**Next Steps:**\n"+
		"1. Review the changes in the merge request\n"+
		"2. Merge when ready: %s\n"+
		"3. The fix will be applied to the target branch after merge\n\n"+
		"[View Pipeline](%s)", ref, mrURL, pipelinesIndexURL(sess))
	if _, err := session.AppendMessage(t.db, sess.ID, "assistant", text, t.timeout()); err != nil {
		log.Printf("triage: append fix success message for %s: %v", sess.ID, err)
	}
	log.Printf("triage: fix attempt #%d on %s passed for session %s", attempt.AttemptNumber, ref, sess.ID)

	t.notifier.Send(ctx, notify.Event{
		Title:    "Fix branch passed",
		Body:     fmt.Sprintf("Pipeline green on %s, ready to merge", ref),
		Severity: "success",
		Fields: []notify.Field{
			{Name: "Project", Value: sess.ProjectName},
			{Name: "MR", Value: mrURL},
		},
	})
	return Outcome{
		Status:    "fix_branch_passed",
		SessionID: sess.ID,
		Message:   fmt.Sprintf("Fix attempt #%d succeeded on %s", attempt.AttemptNumber, ref),
	}, nil
}

// resolveSession closes a session whose target branch went green after the
// fix was merged.
func (t *Triager) resolveSession(ctx context.Context, sess *models.Session, ref string) (Outcome, error) {
	if err := session.Resolve(t.db, sess.ID, "target_branch_success"); err != nil {
		return Outcome{}, err
	}

	text := fmt.Sprintf("✅ **Issue Fully Resolved!**\n\n"+
		"The fix has been merged and the pipeline on `%s` branch is passing.\n"+
		"The issue has been successfully resolved.", ref)
	if _, err := session.AppendMessage(t.db, sess.ID, "assistant", text, t.timeout()); err != nil {
		log.Printf("triage: append resolution message for %s: %v", sess.ID, err)
	}
	log.Printf("triage: session %s resolved, target branch %s is green", sess.ID, ref)

	t.notifier.Send(ctx, notify.Event{
		Title:    "Issue resolved",
		Body:     fmt.Sprintf("Fix merged and %s is passing for %s", ref, sess.ProjectName),
		Severity: "success",
		Fields: []notify.Field{
			{Name: "Session", Value: sess.ID},
		},
	})
	return Outcome{Status: "resolved", SessionID: sess.ID}, nil
}

// pipelinesIndexURL derives the project's pipeline listing from the stored
// pipeline URL.
func pipelinesIndexURL(sess *models.Session) string {
	if idx := strings.Index(sess.PipelineURL, "/-/pipelines"); idx >= 0 {
		return sess.PipelineURL[:idx] + "/-/pipelines"
	}
	return sess.PipelineURL
}

// handleFixBranchFailure routes a red pipeline on a fix branch back to the
// session that pushed it: the pending attempt is marked failed, then either
// the attempt cap stops the loop or a retry is run through the agent.
func (t *Triager) handleFixBranchFailure(ctx context.Context, sessionType, projectID, ref string, builds []build) (Outcome, error) {
	sess, err := session.FindByFixBranch(t.db, ref)
	if err != nil {
		return Outcome{}, err
	}
	if sess == nil || sess.ProjectID != projectID || sess.SessionType != sessionType {
		return Outcome{Status: "ignored", Reason: "no session owns this fix branch"}, nil
	}

	prior, err := session.PendingAttemptOn(t.db, sess.ID, ref)
	if err != nil {
		return Outcome{}, err
	}
	if prior != nil {
		if _, err := session.UpdateAttempt(t.db, sess.ID, prior.AttemptNumber, session.AttemptUpdate{
			Status:       "failed",
			ErrorDetails: failureDetails(builds, sessionType),
		}); err != nil {
			return Outcome{}, err
		}
	}

	note := fmt.Sprintf("Fix attempt on branch %s failed - %s still not passing", ref, sessionType)
	if _, err := session.AppendMessage(t.db, sess.ID, "system", note, t.timeout()); err != nil {
		log.Printf("triage: append fix failure note for %s: %v", sess.ID, err)
	}

	count, err := session.AttemptCount(t.db, sess.ID)
	if err != nil {
		return Outcome{}, err
	}
	limit := t.maxAttempts()

	if count >= limit {
		log.Printf("triage: session %s exhausted %d of %d attempts", sess.ID, count, limit)
		capped := fmt.Sprintf("⚠️ Maximum fix attempts (%d) reached. Manual intervention required to resolve the remaining issues.", limit)
		if _, err := session.AppendMessage(t.db, sess.ID, "assistant", capped, t.timeout()); err != nil {
			log.Printf("triage: append capped message for %s: %v", sess.ID, err)
		}
		t.notifier.Send(ctx, notify.Event{
			Title:    "Fix attempts exhausted",
			Body:     fmt.Sprintf("%s needs manual intervention after %d attempts", sess.ProjectName, count),
			Severity: "warning",
			Fields: []notify.Field{
				{Name: "Session", Value: sess.ID},
				{Name: "Branch", Value: ref},
			},
		})
		return Outcome{
			Status:    "max_attempts_reached",
			SessionID: sess.ID,
			Attempts:  count,
			Message:   fmt.Sprintf("Max attempts (%d) reached", limit),
		}, nil
	}

	next := count + 1
	log.Printf("triage: auto-retrying session %s (attempt %d/%d)", sess.ID, next, limit)
	retryMsg := fmt.Sprintf("The pipeline on branch %s is still failing with the same %s issues. "+
		"This is attempt %d of %d. "+
		"Let me analyze the latest logs and apply additional fixes to the same branch.",
		ref, sessionType, next, limit)

	reply, err := t.agent.HandleMessage(ctx, sess, retryMsg)
	if err != nil {
		return Outcome{}, fmt.Errorf("triage: auto-retry for session %s: %w", sess.ID, err)
	}

	// The retry consumed a slot of the attempt budget: record it so the cap
	// eventually stops the loop even when every retry reuses one branch.
	attempt, err := session.CreateAttempt(t.db, sess.ID, ref, nil, limit)
	if err != nil {
		if errors.Is(err, session.ErrAttemptLimit) {
			log.Printf("triage: attempt budget raced to the cap for session %s", sess.ID)
			return Outcome{
				Status:    "max_attempts_reached",
				SessionID: sess.ID,
				Attempts:  limit,
				Message:   fmt.Sprintf("Max attempts (%d) reached", limit),
			}, nil
		}
		return Outcome{}, err
	}
	mrID, mrURL := priorMergeRequest(prior, sess)
	if mrID != "" || mrURL != "" {
		if _, err := session.UpdateAttempt(t.db, sess.ID, attempt.AttemptNumber, session.AttemptUpdate{
			MergeRequestID:  mrID,
			MergeRequestURL: mrURL,
		}); err != nil {
			log.Printf("triage: carry merge request onto attempt #%d for %s: %v", attempt.AttemptNumber, sess.ID, err)
		}
	}

	return Outcome{
		Status:    "retrying",
		SessionID: sess.ID,
		Message:   fmt.Sprintf("Auto-retry initiated (attempt %d/%d)", next, limit),
		Response:  reply.Response,
	}, nil
}

// priorMergeRequest picks the merge request the new attempt inherits: the
// failed attempt's own MR when it had one, the session's otherwise.
func priorMergeRequest(prior *models.FixAttempt, sess *models.Session) (id, url string) {
	if prior != nil && (prior.MergeRequestID != "" || prior.MergeRequestURL != "") {
		return prior.MergeRequestID, prior.MergeRequestURL
	}
	return sess.MergeRequestID, sess.MergeRequestURL
}

// failureDetails summarizes the failed job for the attempt's error record.
func failureDetails(builds []build, sessionType string) string {
	if job := latestFailedBuild(builds); job != nil {
		if job.FailureReason != "" {
			return fmt.Sprintf("%s failed: %s", job.Name, job.FailureReason)
		}
		return fmt.Sprintf("%s failed", job.Name)
	}
	return sessionType + " checks still failing"
}

// openPipelineSession creates a pipeline session for a fresh failure and
// starts its analysis in the background.
func (t *Triager) openPipelineSession(ctx context.Context, ev pipelineEvent, payload []byte) (Outcome, error) {
	opts := session.CreateOpts{
		SessionType: "pipeline",
		ProjectID:   strconv.FormatInt(ev.Project.ID, 10),
		ProjectName: projectName(ev),
		Branch:      ev.ObjectAttributes.Ref,
		CommitSHA:   ev.ObjectAttributes.SHA,
		PipelineID:  strconv.FormatInt(ev.ObjectAttributes.ID, 10),
		PipelineURL: ev.ObjectAttributes.URL,
		WebhookData: string(payload),
		Timeout:     t.timeout(),
	}
	if job := latestFailedBuild(ev.Builds); job != nil {
		opts.JobName = job.Name
		opts.FailedStage = job.Stage
	}

	sess, created, err := session.Create(t.db, opts)
	if err != nil {
		return Outcome{}, err
	}
	if !created {
		return Outcome{
			Status:    "ignored",
			Reason:    "Active pipeline session already exists",
			SessionID: sess.ID,
		}, nil
	}
	log.Printf("triage: opened pipeline session %s for %s pipeline %s", sess.ID, sess.ProjectName, sess.PipelineID)

	note := fmt.Sprintf("Pipeline failure detected for %s - Pipeline #%s", sess.ProjectName, sess.PipelineID)
	if _, err := session.AppendMessage(t.db, sess.ID, "system", note, t.timeout()); err != nil {
		log.Printf("triage: append opening note for %s: %v", sess.ID, err)
	}

	t.notifier.Send(ctx, notify.Event{
		Title:    "Pipeline failure detected",
		Body:     fmt.Sprintf("%s failed on %s, analysis started", opts.JobName, sess.Branch),
		Severity: "error",
		Fields: []notify.Field{
			{Name: "Project", Value: sess.ProjectName},
			{Name: "Pipeline", Value: "#" + sess.PipelineID},
			{Name: "Session", Value: sess.ID},
		},
	})

	t.spawn(func() {
		if _, err := t.agent.AnalyzePipeline(context.Background(), sess); err != nil {
			log.Printf("triage: background pipeline analysis for %s: %v", sess.ID, err)
		}
	})

	return Outcome{
		Status:      "analyzing",
		SessionID:   sess.ID,
		SessionType: "pipeline",
		Message:     "Pipeline analysis started",
	}, nil
}

func projectName(ev pipelineEvent) string {
	if ev.Project.PathWithNamespace != "" {
		return ev.Project.PathWithNamespace
	}
	return ev.Project.Name
}
