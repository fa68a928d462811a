package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"gorm.io/gorm"

	"pipemedic/internal/agent/prompts"
	"pipemedic/internal/config"
	"pipemedic/internal/gitlab"
	"pipemedic/internal/models"
	"pipemedic/internal/notify"
	"pipemedic/internal/session"
	"pipemedic/internal/sonarqube"
)

// mrURLRe finds a merge request URL in a model response.
var mrURLRe = regexp.MustCompile(`(https?://[^\s<>"]+/merge_requests/\d+)`)

// analysisPayload is the body of an analysis_result session event.
type analysisPayload struct {
	AnalysisResult string   `json:"analysis_result"`
	CodeBlocks     []string `json:"code_blocks"`
}

// Reply is the outcome of handling one user message.
type Reply struct {
	Response        string
	MergeRequestURL string
}

// Service wires the model provider, API clients and session store into the
// analysis and chat flows.
type Service struct {
	db       *gorm.DB
	provider Provider
	gl       *gitlab.Client
	sq       *sonarqube.Client
	notifier *notify.Dispatcher
	limits   config.LimitsConfig
}

// ServiceOpts holds the dependencies for a Service.
type ServiceOpts struct {
	DB        *gorm.DB
	Provider  Provider
	GitLab    *gitlab.Client
	SonarQube *sonarqube.Client
	Notifier  *notify.Dispatcher
	Limits    config.LimitsConfig
}

// NewService creates a Service.
func NewService(opts ServiceOpts) *Service {
	return &Service{
		db:       opts.DB,
		provider: opts.Provider,
		gl:       opts.GitLab,
		sq:       opts.SonarQube,
		notifier: opts.Notifier,
		limits:   opts.Limits,
	}
}

func (s *Service) maxAttempts() int {
	if s.limits.MaxFixAttempts > 0 {
		return s.limits.MaxFixAttempts
	}
	return session.DefaultMaxAttempts
}

func (s *Service) timeout() time.Duration {
	if s.limits.SessionTimeoutMinutes > 0 {
		return time.Duration(s.limits.SessionTimeoutMinutes) * time.Minute
	}
	return session.DefaultTimeout
}

func (s *Service) env(sess *models.Session, chat bool) *toolEnv {
	return &toolEnv{
		db:        s.db,
		gl:        s.gl,
		sq:        s.sq,
		sess:      sess,
		maxLog:    s.limits.MaxLogSize,
		remapHead: chat,
	}
}

func (s *Service) systemPrompt(name string) (string, error) {
	return prompts.Execute(name, map[string]string{
		"MaxAttempts": strconv.Itoa(s.maxAttempts()),
	})
}

// AnalyzePipeline runs the initial failure analysis for a pipeline session
// and stores the result as the session's first assistant message. A provider
// failure still leaves a degraded assistant message behind.
func (s *Service) AnalyzePipeline(ctx context.Context, sess *models.Session) (string, error) {
	log.Printf("agent: analyzing pipeline %s for session %s", sess.PipelineID, sess.ID)

	prompt, ok := s.pipelineAnalysisPrompt(sess)
	if !ok {
		text := "No failed jobs found in the pipeline."
		s.finishAnalysis(ctx, sess, text)
		return text, nil
	}

	system, err := s.systemPrompt("pipeline_system.md")
	if err != nil {
		return "", err
	}
	tools, err := s.env(sess, false).pipelineTools(false)
	if err != nil {
		return "", fmt.Errorf("agent: assemble pipeline tools: %w", err)
	}

	res, err := s.provider.Analyze(ctx, Invocation{System: system, Prompt: prompt, Tools: tools})
	if err != nil {
		text := "Analysis failed: " + err.Error()
		s.finishAnalysis(ctx, sess, text)
		return text, fmt.Errorf("agent: pipeline analysis for session %s: %w", sess.ID, err)
	}

	s.finishAnalysis(ctx, sess, res.Text)
	return res.Text, nil
}

// AnalyzeQuality runs the initial analysis for a quality session.
func (s *Service) AnalyzeQuality(ctx context.Context, sess *models.Session) (string, error) {
	log.Printf("agent: analyzing quality gate for %s in session %s", sess.SonarProjectKey, sess.ID)

	system, err := s.systemPrompt("quality_system.md")
	if err != nil {
		return "", err
	}
	tools, err := s.env(sess, false).qualityTools(false)
	if err != nil {
		return "", fmt.Errorf("agent: assemble quality tools: %w", err)
	}

	prompt := s.qualityAnalysisPrompt(sess)
	res, err := s.provider.Analyze(ctx, Invocation{System: system, Prompt: prompt, Tools: tools})
	if err != nil {
		text := "Analysis failed: " + err.Error()
		s.finishAnalysis(ctx, sess, text)
		return text, fmt.Errorf("agent: quality analysis for session %s: %w", sess.ID, err)
	}

	s.finishAnalysis(ctx, sess, res.Text)
	return res.Text, nil
}

// finishAnalysis stores the analysis with its code blocks, appends the
// assistant message, and pushes a notification. Storage failures degrade to
// logs so the analysis text always reaches the caller.
func (s *Service) finishAnalysis(ctx context.Context, sess *models.Session, text string) {
	blocks := ExtractCodeBlocks(text)
	if _, err := session.RecordEvent(s.db, sess.ID, "analysis_result", analysisPayload{
		AnalysisResult: text,
		CodeBlocks:     blocks,
	}); err != nil {
		log.Printf("agent: record analysis for %s: %v", sess.ID, err)
	}
	log.Printf("agent: stored analysis for %s with %d code blocks", sess.ID, len(blocks))

	if _, err := session.AppendMessage(s.db, sess.ID, "assistant", text, s.timeout()); err != nil {
		log.Printf("agent: append analysis message for %s: %v", sess.ID, err)
	}

	s.notifier.Send(ctx, notify.Event{
		Title:    "Analysis complete",
		Body:     snippet(text, 300),
		Severity: "info",
		Fields: []notify.Field{
			{Name: "Project", Value: sess.ProjectName},
			{Name: "Session", Value: sess.ID},
		},
	})
}

// HandleMessage answers one user message within a session: it classifies the
// request, enforces the fix attempt cap, runs the chat invocation, and when
// a merge request came out of it, records the fix attempt.
func (s *Service) HandleMessage(ctx context.Context, sess *models.Session, message string) (Reply, error) {
	log.Printf("agent: handling message for %s session %s", sess.SessionType, sess.ID)

	history, err := session.Messages(s.db, sess.ID)
	if err != nil {
		log.Printf("agent: load history for %s: %v", sess.ID, err)
	}
	if _, err := session.AppendMessage(s.db, sess.ID, "user", message, s.timeout()); err != nil {
		return Reply{}, fmt.Errorf("agent: append user message: %w", err)
	}

	in := ClassifyIntents(message)
	attempts, err := session.Attempts(s.db, sess.ID)
	if err != nil {
		log.Printf("agent: load attempts for %s: %v", sess.ID, err)
	}

	if in.WantsNewAttempt(len(attempts)) && len(attempts) >= s.maxAttempts() {
		text := s.limitMessage(sess, attempts)
		if _, err := session.AppendMessage(s.db, sess.ID, "assistant", text, s.timeout()); err != nil {
			log.Printf("agent: append limit message for %s: %v", sess.ID, err)
		}
		return Reply{Response: text}, nil
	}

	var (
		system string
		tools  []tool.BaseTool
		prompt string
	)
	env := s.env(sess, true)
	if sess.SessionType == "quality" {
		system, err = s.systemPrompt("quality_system.md")
		if err != nil {
			return Reply{}, err
		}
		tools, err = env.qualityTools(true)
		if err != nil {
			return Reply{}, fmt.Errorf("agent: assemble quality tools: %w", err)
		}
		prompt = s.qualityChatPrompt(sess, message, history, attempts, in)
	} else {
		system, err = s.systemPrompt("pipeline_system.md")
		if err != nil {
			return Reply{}, err
		}
		tools, err = env.pipelineTools(true)
		if err != nil {
			return Reply{}, fmt.Errorf("agent: assemble pipeline tools: %w", err)
		}
		prompt = s.pipelineChatPrompt(sess, message, history, attempts, in)
	}

	res, err := s.provider.Chat(ctx, Invocation{System: system, Prompt: prompt, Tools: tools})
	if err != nil {
		return Reply{}, fmt.Errorf("agent: chat for session %s: %w", sess.ID, err)
	}

	reply := Reply{Response: res.Text}
	if in.CreateMR && (strings.Contains(res.Text, "web_url") || strings.Contains(res.Text, "merge_requests")) {
		reply.MergeRequestURL = s.recordMergeRequest(ctx, sess, res.Text)
	}

	if _, err := session.AppendMessage(s.db, sess.ID, "assistant", res.Text, s.timeout()); err != nil {
		log.Printf("agent: append assistant message for %s: %v", sess.ID, err)
	}
	return reply, nil
}

// recordMergeRequest pins a freshly created merge request to the session:
// it resolves the MR from the URL in the response, creates the fix attempt
// with the changed files, and denormalizes the branch onto the session.
// Every step degrades to a log line; the chat response is returned either way.
func (s *Service) recordMergeRequest(ctx context.Context, sess *models.Session, text string) string {
	mrURL := mrURLRe.FindString(text)
	if mrURL == "" {
		return ""
	}
	iid, ok := gitlab.MRIIDFromURL(mrURL)
	if !ok {
		return ""
	}

	mr, err := s.gl.MR(ctx, sess.ProjectID, iid)
	if err != nil {
		log.Printf("agent: fetch MR !%s for %s: %v", iid, sess.ID, err)
		return mrURL
	}
	if mr.SourceBranch == "" {
		return mrURL
	}

	var files []string
	changes, err := s.gl.MRChanges(ctx, sess.ProjectID, iid)
	if err != nil {
		log.Printf("agent: fetch MR !%s changes for %s: %v", iid, sess.ID, err)
	}
	for _, ch := range changes {
		files = append(files, ch.Path())
	}

	attempt, err := session.CreateAttempt(s.db, sess.ID, mr.SourceBranch, files, s.maxAttempts())
	if err != nil {
		log.Printf("agent: create fix attempt for %s: %v", sess.ID, err)
		return mrURL
	}
	log.Printf("agent: created fix attempt #%d on %s for session %s", attempt.AttemptNumber, mr.SourceBranch, sess.ID)

	if err := session.Update(s.db, sess.ID, map[string]interface{}{
		"merge_request_url":  mrURL,
		"merge_request_id":   iid,
		"current_fix_branch": mr.SourceBranch,
	}); err != nil {
		log.Printf("agent: update session %s: %v", sess.ID, err)
	}
	sess.MergeRequestURL = mrURL
	sess.MergeRequestID = iid
	sess.CurrentFixBranch = mr.SourceBranch

	if _, err := session.UpdateAttempt(s.db, sess.ID, attempt.AttemptNumber, session.AttemptUpdate{
		Status:          "pending",
		MergeRequestID:  iid,
		MergeRequestURL: mrURL,
	}); err != nil {
		log.Printf("agent: update fix attempt #%d for %s: %v", attempt.AttemptNumber, sess.ID, err)
	}

	s.notifier.Send(ctx, notify.Event{
		Title:    "Fix ready for review",
		Body:     fmt.Sprintf("Merge request opened for %s", sess.ProjectName),
		Severity: "success",
		Fields: []notify.Field{
			{Name: "Branch", Value: mr.SourceBranch},
			{Name: "MR", Value: mrURL},
			{Name: "Attempt", Value: fmt.Sprintf("%d of %d", attempt.AttemptNumber, s.maxAttempts())},
		},
	})
	return mrURL
}

// --- prompt building ---

type webhookBuild struct {
	Name          string `json:"name"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	FinishedAt    string `json:"finished_at"`
}

// qualityJobKeywords flag a failed job as a quality scan rather than a
// build problem.
var qualityJobKeywords = []string{"sonar", "quality", "scan"}

// pipelineAnalysisPrompt builds the analysis prompt from the stored webhook
// payload. Returns false when the payload carries no failed builds.
func (s *Service) pipelineAnalysisPrompt(sess *models.Session) (string, bool) {
	var payload struct {
		Builds []webhookBuild `json:"builds"`
	}
	if err := json.Unmarshal([]byte(sess.WebhookData), &payload); err != nil {
		log.Printf("agent: decode webhook payload for %s: %v", sess.ID, err)
	}

	var failed []webhookBuild
	for _, b := range payload.Builds {
		if b.Status == "failed" {
			failed = append(failed, b)
		}
	}
	if len(failed) == 0 {
		return "", false
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].FinishedAt > failed[j].FinishedAt
	})

	var qualityJob *webhookBuild
	for i := range failed {
		name := strings.ToLower(failed[i].Name)
		for _, kw := range qualityJobKeywords {
			if strings.Contains(name, kw) {
				qualityJob = &failed[i]
				break
			}
		}
		if qualityJob != nil {
			break
		}
	}

	if qualityJob != nil {
		return fmt.Sprintf(`Analyze this pipeline failure:

Project ID: %s
Pipeline ID: %s
Failed Job: %s
Stage: %s

IMPORTANT: This appears to be a SonarQube quality gate failure.

Use the available tools to:
1. Get the job logs (use max_size=30000 to prevent overflow)
2. If confirmed, provide a brief summary and recommend the quality analysis view
3. Do NOT attempt to fix quality issues here - they are handled by the quality session

Follow the analysis format but focus on explaining this is a quality issue.`,
			sess.ProjectID, sess.PipelineID, qualityJob.Name, qualityJob.Stage), true
	}

	job := failed[0]
	return fmt.Sprintf(`Analyze this pipeline failure:

Project ID: %s
Pipeline ID: %s
Failed Job: %s
Stage: %s
Failure Reason: %s

Use the available tools to:
1. Get the pipeline jobs and identify all failures
2. Get logs for the failed job(s) - IMPORTANT: use max_size=30000 parameter
3. Analyze the error and determine root cause
4. If needed, examine relevant files (CI config, dependencies, etc.) - USE get_file_content to retrieve them
5. Provide a solution following the specified format

CRITICAL:
- When you identify files that need changes, RETRIEVE them using get_file_content
- Show the COMPLETE fixed content for each file
- Remember the exact file paths and changes for when the user requests an MR

Note:
- Always use max_size=30000 when calling get_job_logs to prevent context overflow
- If logs are truncated, focus on the available portions

Remember: Do NOT create a merge request. Only analyze and propose solutions.`,
		sess.ProjectID, sess.PipelineID, job.Name, job.Stage, job.FailureReason), true
}

// qualityAnalysisPrompt builds the analysis prompt for a quality session.
func (s *Service) qualityAnalysisPrompt(sess *models.Session) string {
	var payload struct {
		QualityGate struct {
			Status     string            `json:"status"`
			Conditions []json.RawMessage `json:"conditions"`
		} `json:"qualityGate"`
	}
	if err := json.Unmarshal([]byte(sess.WebhookData), &payload); err != nil {
		log.Printf("agent: decode webhook payload for %s: %v", sess.ID, err)
	}

	status := payload.QualityGate.Status
	if status == "" {
		status = sess.QualityGateStatus
	}
	conditions := "[]"
	if len(payload.QualityGate.Conditions) > 0 {
		if raw, err := json.Marshal(payload.QualityGate.Conditions); err == nil {
			conditions = string(raw)
		}
	}

	return fmt.Sprintf(`Analyze this SonarQube quality gate failure:

SonarQube Project Key: %s
GitLab Project ID: %s
Quality Gate Status: %s

Failed Conditions:
%s

Analysis approach:
1. Get project metrics
2. Get all project issues - they contain file paths in the 'component' field
3. Extract file paths from the issues and retrieve those specific files
4. File paths in SonarQube format: "project_key:path/to/file.ext"
5. Extract the path after the colon for file retrieval
6. Only create MR if you successfully retrieved files with issues`,
		sess.SonarProjectKey, sess.ProjectID, status, conditions)
}

func (s *Service) pipelineContext(sess *models.Session, attempts []models.FixAttempt) string {
	fixBranch := sess.CurrentFixBranch
	if fixBranch == "" {
		fixBranch = "None"
	}
	return fmt.Sprintf(`
Session Context:
- Project: %s (ID: %s)
- Pipeline: #%s
- Branch: %s
- Failed Job: %s in stage %s
- Session ID: %s
- Current Fix Branch: %s
- Fix Iteration: %d of %d
`, sess.ProjectName, sess.ProjectID, sess.PipelineID, sess.Branch,
		sess.JobName, sess.FailedStage, sess.ID, fixBranch, len(attempts), s.maxAttempts())
}

// qualityContext embeds the last assistant message as the previous analysis
// instead of a conversation window.
func (s *Service) qualityContext(sess *models.Session, history []models.SessionMessage, attempts []models.FixAttempt) string {
	fixBranch := sess.CurrentFixBranch
	if fixBranch == "" {
		fixBranch = "None"
	}
	ctx := fmt.Sprintf(`
Session Context:
- Project: %s
- SonarQube Key: %s
- GitLab Project ID: %s
- Quality Gate Status: %s
- Session ID: %s
- Current Fix Branch: %s
- Fix Iteration: %d of %d
`, sess.ProjectName, sess.SonarProjectKey, sess.ProjectID, sess.QualityGateStatus,
		sess.ID, fixBranch, len(attempts), s.maxAttempts())

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" && history[i].Content != "" {
			ctx += "\n\nPrevious Analysis:\n" + history[i].Content
			break
		}
	}
	return ctx
}

func (s *Service) pipelineChatPrompt(sess *models.Session, message string, history []models.SessionMessage, attempts []models.FixAttempt, in Intents) string {
	ctx := s.pipelineContext(sess, attempts)

	if in.CreateMR || (in.ApplyFix && sess.CurrentFixBranch != "") {
		target := sess.Branch
		if target == "" {
			target = "main"
		}
		if sess.CurrentFixBranch != "" {
			return fmt.Sprintf(`%s

The user wants to apply additional fixes to the existing branch.

INSTRUCTIONS:
1. Use available tools to get stored analysis and tracked files
2. Review what changes were already made on branch: %s
3. Apply additional fixes to the same branch
4. Update the existing merge request

Use these parameters for create_merge_request:
- Project ID: %s
- Source Branch: %s
- Target Branch: %s
- Title: Additional fixes for %s failure (Iteration %d)
- Description: Iterative fix for pipeline failure #%s
- update_mode: true

CRITICAL: Set update_mode=true since we're updating an existing branch.`,
				ctx, sess.CurrentFixBranch, sess.ProjectID, sess.CurrentFixBranch, target,
				sess.FailedStage, len(attempts)+1, sess.PipelineID)
		}

		branch := pipelineFixBranch(sess.JobName)
		return fmt.Sprintf(`%s

The user wants to create a merge request with the fixes discussed.

INSTRUCTIONS:
1. Use available tools to get stored analysis and tracked files
2. Review the previous analysis to understand what fixes are needed
3. For each file that needs changes:
   - If it was tracked and retrieved, use the stored content
   - If it's a new file that needs to be created, create it
   - Apply the fixes that were discussed in the analysis
4. Create a merge request with ALL necessary files
5. IMPORTANT: After creating the MR, use get_merge_request_details to retrieve the exact branch name and MR details
6. Include the complete MR URL in your response

Use these parameters for create_merge_request:
- Project ID: %s
- Source Branch: %s
- Target Branch: %s
- Title: Fix %s failure in %s
- Description: Automated fix for pipeline failure #%s

The files parameter must be a dictionary with this structure:
{
    "updates": {
        "path/to/existing/file.ext": "complete file content here"
    },
    "creates": {
        "path/to/new/file.ext": "complete file content here"
    }
}`,
			ctx, sess.ProjectID, branch, target, sess.FailedStage, sess.JobName, sess.PipelineID)
	}

	return fmt.Sprintf(`%s

Previous Conversation:
%s

User Question: %s

Note: When retrieving logs, always use max_size=30000 to prevent overflow.`,
		ctx, formatHistory(history), message)
}

func (s *Service) qualityChatPrompt(sess *models.Session, message string, history []models.SessionMessage, attempts []models.FixAttempt, in Intents) string {
	ctx := s.qualityContext(sess, history, attempts)

	if in.CreateMR || (in.ApplyFix && sess.CurrentFixBranch != "") {
		target := sess.Branch
		if target == "" {
			target = "main"
		}
		if sess.CurrentFixBranch != "" {
			return fmt.Sprintf(`%s

The user wants to apply additional fixes to the existing branch.

INSTRUCTIONS:
1. Use available tools to get stored analysis and tracked files
2. Review what changes were already made on branch: %s
3. Apply additional fixes to the same branch
4. Update the existing merge request

Use these parameters for create_merge_request:
- Project ID: %s
- Source Branch: %s
- Target Branch: %s
- Title: Additional quality fixes (Iteration %d)
- Description: Iterative fix for quality gate failures
- update_mode: true

CRITICAL: Set update_mode=true since we're updating an existing branch.`,
				ctx, sess.CurrentFixBranch, sess.ProjectID, sess.CurrentFixBranch, target, len(attempts)+1)
		}

		branch := qualityFixBranch()
		return fmt.Sprintf(`%s

The user wants to create a merge request with the quality fixes.

INSTRUCTIONS:
1. Use available tools to get stored analysis and tracked files
2. Review the previous analysis to understand what fixes are needed
3. For each file that needs changes:
   - If it was tracked and retrieved, use the stored content
   - If it's a new file that needs to be created, create it
   - Apply the fixes that were discussed in the analysis
4. Create a merge request with ALL necessary files
5. Include the complete MR URL in your response

Use these parameters for create_merge_request:
- Project ID: %s
- Source Branch: %s
- Target Branch: %s
- Title: Fix SonarQube quality gate failures
- Description: Automated fixes for bugs, vulnerabilities, and code smells

The files parameter must be a dictionary with this structure:
{
    "updates": {
        "path/to/existing/file.ext": "complete file content here"
    },
    "creates": {
        "path/to/new/file.ext": "complete file content here"
    }
}`,
			ctx, sess.ProjectID, branch, target)
	}

	return fmt.Sprintf("%s\n\nUser Question: %s", ctx, message)
}

// pipelineFixBranch names a new fix branch after the failed job and the
// current UTC time.
func pipelineFixBranch(jobName string) string {
	ts := time.Now().UTC().Format("20060102_150405")
	branch := fmt.Sprintf("fix/pipeline_%s_%s", jobName, ts)
	return strings.ToLower(strings.ReplaceAll(branch, " ", "_"))
}

func qualityFixBranch() string {
	return "fix/sonarqube_" + time.Now().UTC().Format("20060102_150405")
}

// formatHistory renders the last six messages for the prompt, skipping
// system entries and truncating long ones.
func formatHistory(msgs []models.SessionMessage) string {
	const window = 6
	start := 0
	if len(msgs) > window {
		start = len(msgs) - window
	}

	var parts []string
	for _, m := range msgs[start:] {
		if m.Role == "system" {
			continue
		}
		content := m.Content
		if len(content) > 1000 {
			content = content[:900] + "... [truncated]"
		}
		parts = append(parts, strings.ToUpper(m.Role)+": "+content)
	}
	if len(parts) == 0 {
		return "No previous conversation."
	}
	return strings.Join(parts, "\n\n")
}

// limitMessage is returned instead of invoking the model once the session
// has used every fix attempt.
func (s *Service) limitMessage(sess *models.Session, attempts []models.FixAttempt) string {
	var b strings.Builder
	if sess.SessionType == "quality" {
		fmt.Fprintf(&b, `### ❌ Iteration Limit Reached

I've attempted to fix quality issues %d times but the quality gate continues to fail. This suggests:

1. **Deep architectural issues** requiring refactoring
2. **Complex security vulnerabilities** needing manual review
3. **Test coverage gaps** requiring new test implementation

### 🔍 Recommended Actions:
1. Review all quality issues in SonarQube dashboard
2. Check the merge requests created for partial fixes
3. Prioritize critical security vulnerabilities manually
4. Consider breaking fixes into smaller, focused MRs

### 📋 Fix Attempts Made:
`, s.maxAttempts())
	} else {
		fmt.Fprintf(&b, `### ❌ Iteration Limit Reached

I've attempted to fix this issue %d times but the pipeline continues to fail. This suggests:

1. **Multiple interrelated issues** that require comprehensive analysis
2. **Environmental problems** not visible in truncated logs
3. **Complex dependencies** that need manual investigation

### 🔍 Recommended Actions:
1. Review the full pipeline logs in GitLab (not truncated)
2. Check the merge requests created for partial fixes
3. Run the pipeline locally to debug
4. Consider breaking the problem into smaller, testable changes

### 📋 Fix Attempts Made:
`, s.maxAttempts())
	}

	lines := make([]string, 0, len(attempts))
	for _, att := range attempts {
		lines = append(lines, fmt.Sprintf("- Attempt #%d: %s - %s", att.AttemptNumber, att.BranchName, att.Status))
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
