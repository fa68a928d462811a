package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"pipemedic/internal/gitlab"
	"pipemedic/internal/models"
	"pipemedic/internal/notify"
	"pipemedic/internal/session"
	"pipemedic/internal/sonarqube"
)

// qualityGateEvent is the subset of the SonarQube quality-gate webhook the
// triager reads.
type qualityGateEvent struct {
	Project struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"project"`
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
	QualityGate struct {
		Status string `json:"status"`
	} `json:"qualityGate"`
}

// HandleQualityGate routes one SonarQube quality-gate webhook delivery.
// Routing paths:
//  1. Gate not in ERROR → ignore
//  2. Project key with no GitLab counterpart → ErrNoProject
//  3. Active quality session for the project → ignore
//  4. Fresh gate failure → open a quality session and start background
//     analysis
func (t *Triager) HandleQualityGate(ctx context.Context, payload []byte) (Outcome, error) {
	var ev qualityGateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Outcome{}, fmt.Errorf("triage: decode quality gate event: %w", err)
	}
	log.Printf("triage: quality gate %s for %s", ev.QualityGate.Status, ev.Project.Key)

	if ev.QualityGate.Status != "ERROR" {
		return Outcome{Status: "ignored", Reason: "quality gate passed"}, nil
	}

	projectID, err := t.gl.ResolveProject(ctx, ev.Project.Key)
	if err != nil {
		if errors.Is(err, gitlab.ErrNotFound) {
			return Outcome{}, fmt.Errorf("triage: resolve %s: %w", ev.Project.Key, ErrNoProject)
		}
		return Outcome{}, err
	}

	if existing, err := session.FindActive(t.db, "quality", projectID); err != nil {
		return Outcome{}, err
	} else if existing != nil {
		log.Printf("triage: active quality session %s already covers project %s", existing.ID, projectID)
		return Outcome{
			Status:    "ignored",
			Reason:    "Active quality session already exists",
			SessionID: existing.ID,
		}, nil
	}

	branch := ev.Branch.Name
	if branch == "" {
		branch = "main"
	}
	name := ev.Project.Name
	if name == "" {
		name = ev.Project.Key
	}

	sess, created, err := session.Create(t.db, session.CreateOpts{
		SessionType:       "quality",
		ProjectID:         projectID,
		ProjectName:       name,
		Branch:            branch,
		SonarProjectKey:   ev.Project.Key,
		QualityGateStatus: ev.QualityGate.Status,
		WebhookData:       string(payload),
		Timeout:           t.timeout(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if !created {
		return Outcome{
			Status:    "ignored",
			Reason:    "Active quality session already exists",
			SessionID: sess.ID,
		}, nil
	}
	log.Printf("triage: opened quality session %s for %s (project %s)", sess.ID, ev.Project.Key, projectID)

	note := fmt.Sprintf("Quality gate failure detected for %s", sess.ProjectName)
	if _, err := session.AppendMessage(t.db, sess.ID, "system", note, t.timeout()); err != nil {
		log.Printf("triage: append opening note for %s: %v", sess.ID, err)
	}

	t.notifier.Send(ctx, notify.Event{
		Title:    "Quality gate failure detected",
		Body:     fmt.Sprintf("%s failed its quality gate, analysis started", sess.ProjectName),
		Severity: "error",
		Fields: []notify.Field{
			{Name: "Project", Value: sess.SonarProjectKey},
			{Name: "Session", Value: sess.ID},
		},
	})

	t.spawn(func() { t.qualityBackground(sess, false) })

	return Outcome{
		Status:      "analyzing",
		SessionID:   sess.ID,
		SessionType: "quality",
		Message:     "Quality analysis started",
	}, nil
}

// openQualitySession creates a quality session for a pipeline that failed
// its quality scan and starts quality analysis in the background. The
// webhook carries no SonarQube key, so the project name stands in for it,
// matching how scan jobs are conventionally configured.
func (t *Triager) openQualitySession(ctx context.Context, ev pipelineEvent, payload []byte) (Outcome, error) {
	opts := session.CreateOpts{
		SessionType:       "quality",
		ProjectID:         strconv.FormatInt(ev.Project.ID, 10),
		ProjectName:       projectName(ev),
		Branch:            ev.ObjectAttributes.Ref,
		CommitSHA:         ev.ObjectAttributes.SHA,
		PipelineID:        strconv.FormatInt(ev.ObjectAttributes.ID, 10),
		PipelineURL:       ev.ObjectAttributes.URL,
		JobName:           "sonarqube-check",
		FailedStage:       "scan",
		SonarProjectKey:   ev.Project.Name,
		QualityGateStatus: "ERROR",
		WebhookData:       string(payload),
		Timeout:           t.timeout(),
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
			Reason:    "Active quality session already exists",
			SessionID: sess.ID,
		}, nil
	}
	log.Printf("triage: opened quality session %s for %s pipeline %s", sess.ID, sess.ProjectName, sess.PipelineID)

	note := fmt.Sprintf("Quality gate failure detected for %s in pipeline #%s", sess.ProjectName, sess.PipelineID)
	if _, err := session.AppendMessage(t.db, sess.ID, "system", note, t.timeout()); err != nil {
		log.Printf("triage: append opening note for %s: %v", sess.ID, err)
	}

	t.notifier.Send(ctx, notify.Event{
		Title:    "Quality gate failure detected",
		Body:     fmt.Sprintf("%s failed in pipeline #%s, analysis started", opts.JobName, sess.PipelineID),
		Severity: "error",
		Fields: []notify.Field{
			{Name: "Project", Value: sess.ProjectName},
			{Name: "Session", Value: sess.ID},
		},
	})

	t.spawn(func() { t.qualityBackground(sess, true) })

	return Outcome{
		Status:      "analyzing",
		SessionID:   sess.ID,
		SessionType: "quality",
		Message:     "Quality gate failure analysis started",
	}, nil
}

// qualityBackground runs the deferred work of a fresh quality session:
// confirm the gate when the failure came in through a pipeline, snapshot
// the project's quality standing, then run the analysis. Each step degrades
// to a log line rather than aborting the ones after it.
func (t *Triager) qualityBackground(sess *models.Session, fromPipeline bool) {
	ctx := context.Background()

	if fromPipeline && !t.confirmQualityGate(ctx, sess) {
		return
	}

	t.snapshotQualityMetrics(ctx, sess)

	if _, err := t.agent.AnalyzeQuality(ctx, sess); err != nil {
		log.Printf("triage: background quality analysis for %s: %v", sess.ID, err)
	}
}

// confirmQualityGate guards pipeline-detected quality failures against scan
// misfires: when SonarQube has no gate result at all for the project, the
// failure is a scan configuration problem, not a code quality problem, so
// the analysis is replaced with a diagnostic message.
func (t *Triager) confirmQualityGate(ctx context.Context, sess *models.Session) bool {
	if t.sq == nil {
		return true
	}
	gate, err := t.sq.QualityGate(ctx, sess.SonarProjectKey)
	if err != nil {
		log.Printf("triage: fetch quality gate for %s: %v", sess.SonarProjectKey, err)
		return true
	}
	if gate.Status != "" && gate.Status != "NONE" {
		return true
	}

	log.Printf("triage: no gate result for %s, reporting scan misfire", sess.SonarProjectKey)
	text := fmt.Sprintf("## ⚠️ SonarQube Analysis Issue\n\n"+
		"The pipeline failed at the SonarQube check stage, but this is not due to quality gate failure.\n\n"+
		"**Issue**: No SonarQube analysis results found for project '%s'\n\n"+
		"**Possible reasons:**\n"+
		"1. SonarQube analysis was not performed\n"+
		"2. Project key mismatch between CI configuration and SonarQube\n"+
		"3. Authentication/permission issues\n"+
		"4. SonarQube server connectivity problems\n\n"+
		"**Recommended actions:**\n"+
		"1. Check the %s job logs for specific errors\n"+
		"2. Verify the project key in your `sonar-project.properties` or CI configuration\n"+
		"3. Ensure SonarQube authentication token is valid\n"+
		"4. Verify the project exists in SonarQube\n\n"+
		"This appears to be a **pipeline configuration issue**, not a code quality issue.",
		sess.SonarProjectKey, sess.JobName)
	if _, err := session.AppendMessage(t.db, sess.ID, "assistant", text, t.timeout()); err != nil {
		log.Printf("triage: append scan misfire message for %s: %v", sess.ID, err)
	}
	return false
}

// qualityMetrics is the quality_metrics event payload, a point-in-time
// snapshot of the project's SonarQube standing taken when the session opens.
type qualityMetrics struct {
	TotalIssues            int      `json:"total_issues"`
	BugCount               int      `json:"bug_count"`
	VulnerabilityCount     int      `json:"vulnerability_count"`
	CodeSmellCount         int      `json:"code_smell_count"`
	CriticalIssues         int      `json:"critical_issues"`
	MajorIssues            int      `json:"major_issues"`
	Coverage               string   `json:"coverage"`
	DuplicatedLinesDensity string   `json:"duplicated_lines_density"`
	ReliabilityRating      string   `json:"reliability_rating"`
	SecurityRating         string   `json:"security_rating"`
	MaintainabilityRating  string   `json:"maintainability_rating"`
	TopIssues              []string `json:"top_issues,omitempty"`
}

// snapshotQualityMetrics records the project's current issue counts and
// ratings as a quality_metrics event so the transcript and UI can show what
// the gate looked like when the session opened.
func (t *Triager) snapshotQualityMetrics(ctx context.Context, sess *models.Session) {
	if t.sq == nil {
		return
	}
	key := sess.SonarProjectKey

	bugs, err := t.sq.Issues(ctx, key, sonarqube.IssueFilter{Types: "BUG", Limit: 500})
	if err != nil {
		log.Printf("triage: fetch bugs for %s: %v", key, err)
	}
	vulns, err := t.sq.Issues(ctx, key, sonarqube.IssueFilter{Types: "VULNERABILITY", Limit: 500})
	if err != nil {
		log.Printf("triage: fetch vulnerabilities for %s: %v", key, err)
	}
	smells, err := t.sq.Issues(ctx, key, sonarqube.IssueFilter{Types: "CODE_SMELL", Limit: 500})
	if err != nil {
		log.Printf("triage: fetch code smells for %s: %v", key, err)
	}

	metrics, err := t.sq.Metrics(ctx, key)
	if err != nil {
		log.Printf("triage: fetch metrics for %s: %v", key, err)
		metrics = map[string]string{}
	}

	snap := qualityMetrics{
		TotalIssues:            len(bugs) + len(vulns) + len(smells),
		BugCount:               len(bugs),
		VulnerabilityCount:     len(vulns),
		CodeSmellCount:         len(smells),
		Coverage:               metricOr(metrics, "coverage", "0"),
		DuplicatedLinesDensity: metricOr(metrics, "duplicated_lines_density", "0"),
		ReliabilityRating:      metricOr(metrics, "reliability_rating", "E"),
		SecurityRating:         metricOr(metrics, "security_rating", "E"),
		MaintainabilityRating:  metricOr(metrics, "maintainability_rating", "E"),
	}
	for _, i := range bugs {
		tallySeverity(&snap, i.Severity)
	}
	for _, i := range vulns {
		tallySeverity(&snap, i.Severity)
	}
	snap.TopIssues = topIssues(bugs, vulns, smells, 10)

	if _, err := session.RecordEvent(t.db, sess.ID, "quality_metrics", snap); err != nil {
		log.Printf("triage: record quality metrics for %s: %v", sess.ID, err)
	}
	log.Printf("triage: snapshotted %d issues for session %s", snap.TotalIssues, sess.ID)
}

// tallySeverity counts critical and major issues. Code smells are excluded:
// only bugs and vulnerabilities gate a release.
func tallySeverity(snap *qualityMetrics, severity string) {
	switch severity {
	case "CRITICAL", "BLOCKER":
		snap.CriticalIssues++
	case "MAJOR":
		snap.MajorIssues++
	}
}

// topIssues formats the leading issues for the snapshot, bugs and
// vulnerabilities before code smells.
func topIssues(bugs, vulns, smells []sonarqube.Issue, limit int) []string {
	var out []string
	for _, list := range [][]sonarqube.Issue{bugs, vulns, smells} {
		for _, i := range list {
			if len(out) >= limit {
				return out
			}
			out = append(out, fmt.Sprintf("[%s/%s] %s (%s:%d)", i.Type, i.Severity, i.Message, i.File(), i.Line))
		}
	}
	return out
}

// metricOr returns the measure's value, or the fallback when SonarQube has
// no reading for it.
func metricOr(metrics map[string]string, key, fallback string) string {
	if v := metrics[key]; v != "" && v != "N/A" {
		return v
	}
	return fallback
}
