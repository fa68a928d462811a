package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"gorm.io/gorm"

	"pipemedic/internal/gitlab"
	"pipemedic/internal/models"
	"pipemedic/internal/session"
	"pipemedic/internal/sonarqube"
)

// toolEnv carries the per-session state every tool closes over. Tools report
// failures inside their output payloads instead of returning Go errors, so
// the react loop keeps running and the model can react to the failure.
type toolEnv struct {
	db        *gorm.DB
	gl        *gitlab.Client
	sq        *sonarqube.Client
	sess      *models.Session
	maxLog    int
	remapHead bool // chat sessions: ref "HEAD" follows the session's fix branch
}

// toolset accumulates InferTool results, keeping the first error.
type toolset struct {
	tools []tool.BaseTool
	err   error
}

func (ts *toolset) add(t tool.BaseTool, err error) {
	if ts.err != nil {
		return
	}
	if err != nil {
		ts.err = err
		return
	}
	ts.tools = append(ts.tools, t)
}

// pipelineTools assembles the toolset for pipeline sessions. Chat invocations
// additionally get merge request creation and session state access.
func (e *toolEnv) pipelineTools(chat bool) ([]tool.BaseTool, error) {
	var ts toolset
	ts.add(utils.InferTool("get_pipeline_jobs", "List all jobs in a pipeline with status, stage and failure reason", e.getPipelineJobs))
	ts.add(utils.InferTool("get_job_logs", "Get the log output of a pipeline job, truncated to max_size characters", e.getJobLogs))
	ts.add(utils.InferTool("get_file_content", "Get content of a file from the GitLab repository", e.getFileContent))
	ts.add(utils.InferTool("get_recent_commits", "List recent commits on the default branch", e.getRecentCommits))
	ts.add(utils.InferTool("get_project_info", "Get GitLab project metadata including the default branch", e.getProjectInfo))
	if chat {
		e.addChatTools(&ts)
	}
	return ts.tools, ts.err
}

// qualityTools assembles the toolset for quality sessions.
func (e *toolEnv) qualityTools(chat bool) ([]tool.BaseTool, error) {
	var ts toolset
	ts.add(utils.InferTool("get_project_quality_gate_status", "Get the quality gate status and failing conditions for a project", e.getQualityGateStatus))
	ts.add(utils.InferTool("get_project_issues", "List unresolved SonarQube issues for a project, filterable by type and severity", e.getProjectIssues))
	ts.add(utils.InferTool("get_project_metrics", "Get current SonarQube metrics for a project", e.getProjectMetrics))
	ts.add(utils.InferTool("get_issue_details", "Get full details of a single SonarQube issue", e.getIssueDetails))
	ts.add(utils.InferTool("get_rule_description", "Get the description and remediation guidance for a SonarQube rule", e.getRuleDescription))
	ts.add(utils.InferTool("get_file_content", "Get content of a file from the GitLab repository", e.getFileContent))
	ts.add(utils.InferTool("get_project_info", "Get GitLab project metadata including the default branch", e.getProjectInfo))
	if chat {
		e.addChatTools(&ts)
	}
	return ts.tools, ts.err
}

func (e *toolEnv) addChatTools(ts *toolset) {
	ts.add(utils.InferTool("create_merge_request", "Commit fix files to a branch and open or update a merge request", e.createMergeRequest))
	ts.add(utils.InferTool("get_merge_request_details", "Get title, state, branches and changed files of a merge request", e.getMergeRequestDetails))
	ts.add(utils.InferTool("get_session_data", "Get the stored analysis, code blocks and tracked files of this session", e.getSessionData))
}

// --- GitLab tools ---

type pipelineJobsInput struct {
	PipelineID string `json:"pipeline_id" jsonschema:"description=GitLab pipeline ID"`
	ProjectID  string `json:"project_id" jsonschema:"description=GitLab project ID"`
}

type jobSummary struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Stage         string  `json:"stage"`
	Status        string  `json:"status"`
	FailureReason string  `json:"failure_reason,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	WebURL        string  `json:"web_url,omitempty"`
}

type pipelineJobsOutput struct {
	Jobs  []jobSummary `json:"jobs,omitempty"`
	Error string       `json:"error,omitempty"`
}

func (e *toolEnv) getPipelineJobs(ctx context.Context, in *pipelineJobsInput) (*pipelineJobsOutput, error) {
	jobs, err := e.gl.PipelineJobs(ctx, in.ProjectID, in.PipelineID)
	if err != nil {
		return &pipelineJobsOutput{Error: err.Error()}, nil
	}
	out := &pipelineJobsOutput{}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, jobSummary{
			ID:            j.ID,
			Name:          j.Name,
			Stage:         j.Stage,
			Status:        j.Status,
			FailureReason: j.FailureReason,
			Duration:      j.Duration,
			WebURL:        j.WebURL,
		})
	}
	return out, nil
}

type jobLogsInput struct {
	JobID     string `json:"job_id" jsonschema:"description=GitLab job ID"`
	ProjectID string `json:"project_id" jsonschema:"description=GitLab project ID"`
	MaxSize   int    `json:"max_size,omitempty" jsonschema:"description=Maximum log size in characters before truncation"`
}

type jobLogsOutput struct {
	Logs  string `json:"logs,omitempty"`
	Error string `json:"error,omitempty"`
}

func (e *toolEnv) getJobLogs(ctx context.Context, in *jobLogsInput) (*jobLogsOutput, error) {
	trace, err := e.gl.JobTrace(ctx, in.ProjectID, in.JobID)
	if err != nil {
		return &jobLogsOutput{Error: fmt.Sprintf("Error getting job logs: %v", err)}, nil
	}
	maxSize := in.MaxSize
	if maxSize <= 0 {
		maxSize = e.maxLog
	}
	return &jobLogsOutput{Logs: truncateLogs(trace, maxSize)}, nil
}

// truncateLogs keeps the first and last 40% of the allowed size with a
// marker naming the dropped byte count in between.
func truncateLogs(logs string, maxSize int) string {
	if maxSize <= 0 || len(logs) <= maxSize {
		return logs
	}
	keep := maxSize * 2 / 5
	dropped := len(logs) - 2*keep
	return logs[:keep] + fmt.Sprintf("\n\n[... truncated %d bytes ...]\n\n", dropped) + logs[len(logs)-keep:]
}

type fileContentInput struct {
	FilePath  string `json:"file_path" jsonschema:"description=Path to the file in the repository"`
	ProjectID string `json:"project_id" jsonschema:"description=GitLab project ID"`
	Ref       string `json:"ref,omitempty" jsonschema:"description=Git reference: branch, tag or commit SHA (default HEAD)"`
}

func (e *toolEnv) getFileContent(ctx context.Context, in *fileContentInput) (string, error) {
	ref := in.Ref
	if ref == "" {
		ref = "HEAD"
	}
	if e.remapHead && ref == "HEAD" && e.sess.CurrentFixBranch != "" {
		ref = e.sess.CurrentFixBranch
	}

	content, err := e.gl.File(ctx, in.ProjectID, in.FilePath, ref)
	switch {
	case err == nil:
		e.track(in.FilePath, ref, content, "success")
		return content, nil
	case errors.Is(err, gitlab.ErrNotFound):
		e.track(in.FilePath, ref, "", "not_found")
		return fmt.Sprintf("Error: File '%s' does not exist in the repository", in.FilePath), nil
	default:
		e.track(in.FilePath, ref, "", "error")
		return fmt.Sprintf("Error: %v", err), nil
	}
}

// track persists a tracked-file row. Bookkeeping never fails the tool call.
func (e *toolEnv) track(path, ref, content, status string) {
	if err := session.TrackFile(e.db, e.sess.ID, path, ref, content, status); err != nil {
		log.Printf("agent: track file %s: %v", path, err)
	}
}

type recentCommitsInput struct {
	ProjectID string `json:"project_id" jsonschema:"description=GitLab project ID"`
	Limit     int    `json:"limit,omitempty" jsonschema:"description=Number of commits to return (default 10)"`
}

type commitSummary struct {
	ID         string `json:"id"`
	ShortID    string `json:"short_id"`
	Title      string `json:"title"`
	AuthorName string `json:"author_name"`
	CreatedAt  string `json:"created_at"`
}

type recentCommitsOutput struct {
	Commits []commitSummary `json:"commits,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (e *toolEnv) getRecentCommits(ctx context.Context, in *recentCommitsInput) (*recentCommitsOutput, error) {
	commits, err := e.gl.Commits(ctx, in.ProjectID, in.Limit)
	if err != nil {
		return &recentCommitsOutput{Error: err.Error()}, nil
	}
	out := &recentCommitsOutput{}
	for _, c := range commits {
		out.Commits = append(out.Commits, commitSummary{
			ID:         c.ID,
			ShortID:    c.ShortID,
			Title:      c.Title,
			AuthorName: c.AuthorName,
			CreatedAt:  c.CreatedAt,
		})
	}
	return out, nil
}

type projectInfoInput struct {
	ProjectID string `json:"project_id" jsonschema:"description=GitLab project ID"`
}

type projectInfoOutput struct {
	ID                int64  `json:"id,omitempty"`
	Name              string `json:"name,omitempty"`
	PathWithNamespace string `json:"path_with_namespace,omitempty"`
	DefaultBranch     string `json:"default_branch,omitempty"`
	WebURL            string `json:"web_url,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (e *toolEnv) getProjectInfo(ctx context.Context, in *projectInfoInput) (*projectInfoOutput, error) {
	p, err := e.gl.Project(ctx, in.ProjectID)
	if err != nil {
		return &projectInfoOutput{Error: err.Error()}, nil
	}
	return &projectInfoOutput{
		ID:                p.ID,
		Name:              p.Name,
		PathWithNamespace: p.PathWithNamespace,
		DefaultBranch:     p.DefaultBranch,
		WebURL:            p.WebURL,
	}, nil
}

type mergeRequestFiles struct {
	Updates map[string]string `json:"updates,omitempty" jsonschema:"description=Existing file path mapped to its complete new content"`
	Creates map[string]string `json:"creates,omitempty" jsonschema:"description=New file path mapped to its complete content"`
}

type createMergeRequestInput struct {
	ProjectID    string            `json:"project_id" jsonschema:"description=GitLab project ID"`
	SourceBranch string            `json:"source_branch" jsonschema:"description=Branch to commit the fixes to"`
	TargetBranch string            `json:"target_branch,omitempty" jsonschema:"description=Branch the merge request targets (default main)"`
	Title        string            `json:"title" jsonschema:"description=Merge request title"`
	Description  string            `json:"description,omitempty" jsonschema:"description=Merge request description"`
	Files        mergeRequestFiles `json:"files" jsonschema:"description=Files to commit, keyed by repository path"`
	UpdateMode   bool              `json:"update_mode,omitempty" jsonschema:"description=Commit to an existing fix branch instead of creating a new one"`
}

type createMergeRequestOutput struct {
	ID             int      `json:"id,omitempty"`
	WebURL         string   `json:"web_url,omitempty"`
	Message        string   `json:"message,omitempty"`
	Info           string   `json:"info,omitempty"`
	Branch         string   `json:"branch,omitempty"`
	FilesProcessed []string `json:"files_processed,omitempty"`
	CommitSHA      string   `json:"commit_sha,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// createMergeRequest commits the given files to the source branch and opens
// a merge request, or updates the branch behind an existing one. The
// updates/creates split in the input is advisory: actual existence on the
// ref being committed against decides each file's commit action.
func (e *toolEnv) createMergeRequest(ctx context.Context, in *createMergeRequestInput) (*createMergeRequestOutput, error) {
	target := in.TargetBranch
	if target == "" {
		target = "main"
	}

	branchExists, err := e.gl.BranchExists(ctx, in.ProjectID, in.SourceBranch)
	if err != nil {
		log.Printf("agent: branch check %s: %v", in.SourceBranch, err)
		branchExists = false
	}
	if in.UpdateMode && !branchExists {
		return &createMergeRequestOutput{Error: fmt.Sprintf("Branch %s not found for update", in.SourceBranch)}, nil
	}

	checkRef := target
	if branchExists {
		checkRef = in.SourceBranch
	}

	merged := make(map[string]string, len(in.Files.Updates)+len(in.Files.Creates))
	for p, c := range in.Files.Updates {
		merged[p] = c
	}
	for p, c := range in.Files.Creates {
		merged[p] = c
	}

	var actions []gitlab.FileAction
	var processed []string
	for _, path := range sortedKeys(merged) {
		exists, err := e.gl.FileExists(ctx, in.ProjectID, path, checkRef)
		if err != nil {
			log.Printf("agent: file check %s: %v", path, err)
		}
		action := "create"
		if exists {
			action = "update"
		}
		actions = append(actions, gitlab.FileAction{Action: action, FilePath: path, Content: merged[path]})
		processed = append(processed, strings.ToUpper(action)+": "+path)
	}
	if len(actions) == 0 {
		return &createMergeRequestOutput{Error: "No files to commit"}, nil
	}

	opts := gitlab.CommitOpts{
		Branch:  in.SourceBranch,
		Message: "Fix: " + in.Title,
		Actions: actions,
	}
	if !branchExists {
		opts.StartBranch = target
	}
	commit, err := e.gl.CreateCommit(ctx, in.ProjectID, opts)
	if err != nil {
		return &createMergeRequestOutput{Error: fmt.Sprintf("Failed to commit changes: %v", err)}, nil
	}

	if branchExists || in.UpdateMode {
		mrs, err := e.gl.MRsBySource(ctx, in.ProjectID, in.SourceBranch)
		if err != nil {
			log.Printf("agent: list merge requests for %s: %v", in.SourceBranch, err)
		}
		if len(mrs) > 0 {
			return &createMergeRequestOutput{
				ID:             mrs[0].IID,
				WebURL:         mrs[0].WebURL,
				Message:        "Updated existing merge request",
				Branch:         in.SourceBranch,
				FilesProcessed: processed,
				CommitSHA:      commit.ID,
			}, nil
		}
		return &createMergeRequestOutput{
			Message:        "Committed to existing branch",
			Info:           "No merge request found for this branch",
			Branch:         in.SourceBranch,
			FilesProcessed: processed,
			CommitSHA:      commit.ID,
		}, nil
	}

	desc := in.Description + "\n\n**Files changed:**\n- " + strings.Join(processed, "\n- ")
	mr, err := e.gl.CreateMR(ctx, in.ProjectID, gitlab.MROpts{
		SourceBranch:       in.SourceBranch,
		TargetBranch:       target,
		Title:              in.Title,
		Description:        desc,
		RemoveSourceBranch: true,
	})
	if err != nil {
		return &createMergeRequestOutput{Error: fmt.Sprintf("Failed to create merge request: %v", err)}, nil
	}
	return &createMergeRequestOutput{
		ID:             mr.IID,
		WebURL:         mr.WebURL,
		Message:        "Created merge request",
		Branch:         in.SourceBranch,
		FilesProcessed: processed,
		CommitSHA:      commit.ID,
	}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type mergeRequestDetailsInput struct {
	ProjectID string `json:"project_id" jsonschema:"description=GitLab project ID"`
	MRIID     string `json:"mr_iid" jsonschema:"description=Merge request IID"`
}

type mergeRequestDetailsOutput struct {
	IID          int      `json:"iid,omitempty"`
	Title        string   `json:"title,omitempty"`
	State        string   `json:"state,omitempty"`
	SourceBranch string   `json:"source_branch,omitempty"`
	TargetBranch string   `json:"target_branch,omitempty"`
	WebURL       string   `json:"web_url,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (e *toolEnv) getMergeRequestDetails(ctx context.Context, in *mergeRequestDetailsInput) (*mergeRequestDetailsOutput, error) {
	mr, err := e.gl.MR(ctx, in.ProjectID, in.MRIID)
	if err != nil {
		return &mergeRequestDetailsOutput{Error: err.Error()}, nil
	}
	out := &mergeRequestDetailsOutput{
		IID:          mr.IID,
		Title:        mr.Title,
		State:        mr.State,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		WebURL:       mr.WebURL,
	}
	changes, err := e.gl.MRChanges(ctx, in.ProjectID, in.MRIID)
	if err != nil {
		log.Printf("agent: merge request changes !%s: %v", in.MRIID, err)
		return out, nil
	}
	for _, ch := range changes {
		out.ChangedFiles = append(out.ChangedFiles, ch.Path())
	}
	return out, nil
}

type sessionDataInput struct{}

type sessionDataOutput struct {
	AnalysisResult   string   `json:"analysis_result,omitempty"`
	CodeBlocks       []string `json:"code_blocks,omitempty"`
	TrackedFiles     []string `json:"tracked_files,omitempty"`
	CurrentFixBranch string   `json:"current_fix_branch,omitempty"`
	FixIteration     int      `json:"fix_iteration"`
}

func (e *toolEnv) getSessionData(_ context.Context, _ *sessionDataInput) (*sessionDataOutput, error) {
	out := &sessionDataOutput{
		CurrentFixBranch: e.sess.CurrentFixBranch,
		FixIteration:     e.sess.FixIteration,
	}

	if ev, err := session.LatestEvent(e.db, e.sess.ID, "analysis_result"); err == nil && ev != nil {
		var p analysisPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err == nil {
			out.AnalysisResult = p.AnalysisResult
			out.CodeBlocks = p.CodeBlocks
		}
	}

	files, err := session.TrackedFiles(e.db, e.sess.ID)
	if err != nil {
		log.Printf("agent: tracked files for %s: %v", e.sess.ID, err)
	}
	for _, f := range files {
		out.TrackedFiles = append(out.TrackedFiles, f.FilePath)
	}
	return out, nil
}

// --- SonarQube tools ---

type qualityGateInput struct {
	ProjectKey string `json:"project_key" jsonschema:"description=SonarQube project key"`
}

type gateConditionSummary struct {
	Metric         string `json:"metric"`
	Status         string `json:"status"`
	ActualValue    string `json:"actual_value,omitempty"`
	ErrorThreshold string `json:"error_threshold,omitempty"`
	Comparator     string `json:"comparator,omitempty"`
}

type qualityGateOutput struct {
	Status     string                 `json:"status,omitempty"`
	Conditions []gateConditionSummary `json:"conditions,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func (e *toolEnv) getQualityGateStatus(ctx context.Context, in *qualityGateInput) (*qualityGateOutput, error) {
	gate, err := e.sq.QualityGate(ctx, in.ProjectKey)
	if err != nil {
		return &qualityGateOutput{Error: err.Error()}, nil
	}
	out := &qualityGateOutput{Status: gate.Status}
	for _, c := range gate.Conditions {
		out.Conditions = append(out.Conditions, gateConditionSummary{
			Metric:         c.MetricKey,
			Status:         c.Status,
			ActualValue:    c.ActualValue,
			ErrorThreshold: c.ErrorThreshold,
			Comparator:     c.Comparator,
		})
	}
	return out, nil
}

type projectIssuesInput struct {
	ProjectKey string `json:"project_key" jsonschema:"description=SonarQube project key"`
	Types      string `json:"types,omitempty" jsonschema:"description=Comma-separated issue types: BUG, VULNERABILITY, CODE_SMELL"`
	Severities string `json:"severities,omitempty" jsonschema:"description=Comma-separated severities: BLOCKER, CRITICAL, MAJOR, MINOR, INFO"`
	Limit      int    `json:"limit,omitempty" jsonschema:"description=Maximum issues to return (default 100)"`
}

type issueSummary struct {
	Key      string `json:"key"`
	Rule     string `json:"rule"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Effort   string `json:"effort,omitempty"`
}

type projectIssuesOutput struct {
	Total  int            `json:"total"`
	Issues []issueSummary `json:"issues,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (e *toolEnv) getProjectIssues(ctx context.Context, in *projectIssuesInput) (*projectIssuesOutput, error) {
	issues, err := e.sq.Issues(ctx, in.ProjectKey, sonarqube.IssueFilter{
		Types:      in.Types,
		Severities: in.Severities,
		Limit:      in.Limit,
	})
	if err != nil {
		return &projectIssuesOutput{Error: err.Error()}, nil
	}
	out := &projectIssuesOutput{Total: len(issues)}
	for _, is := range issues {
		out.Issues = append(out.Issues, issueSummaryFrom(is))
	}
	return out, nil
}

func issueSummaryFrom(is sonarqube.Issue) issueSummary {
	return issueSummary{
		Key:      is.Key,
		Rule:     is.Rule,
		Type:     is.Type,
		Severity: is.Severity,
		Message:  is.Message,
		File:     is.File(),
		Line:     is.Line,
		Effort:   is.Effort,
	}
}

type projectMetricsInput struct {
	ProjectKey string `json:"project_key" jsonschema:"description=SonarQube project key"`
}

type projectMetricsOutput struct {
	Metrics map[string]string `json:"metrics,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (e *toolEnv) getProjectMetrics(ctx context.Context, in *projectMetricsInput) (*projectMetricsOutput, error) {
	metrics, err := e.sq.Metrics(ctx, in.ProjectKey)
	if err != nil {
		return &projectMetricsOutput{Error: err.Error()}, nil
	}
	return &projectMetricsOutput{Metrics: metrics}, nil
}

type issueDetailsInput struct {
	IssueKey string `json:"issue_key" jsonschema:"description=SonarQube issue key"`
}

type issueDetailsOutput struct {
	Issue *issueSummary `json:"issue,omitempty"`
	Error string        `json:"error,omitempty"`
}

func (e *toolEnv) getIssueDetails(ctx context.Context, in *issueDetailsInput) (*issueDetailsOutput, error) {
	is, err := e.sq.Issue(ctx, in.IssueKey)
	if err != nil {
		return &issueDetailsOutput{Error: err.Error()}, nil
	}
	s := issueSummaryFrom(*is)
	return &issueDetailsOutput{Issue: &s}, nil
}

type ruleDescriptionInput struct {
	RuleKey string `json:"rule_key" jsonschema:"description=SonarQube rule key, e.g. java:S1144"`
}

type ruleDescriptionOutput struct {
	Key         string `json:"key,omitempty"`
	Name        string `json:"name,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (e *toolEnv) getRuleDescription(ctx context.Context, in *ruleDescriptionInput) (*ruleDescriptionOutput, error) {
	rule, err := e.sq.Rule(ctx, in.RuleKey)
	if err != nil {
		return &ruleDescriptionOutput{Error: err.Error()}, nil
	}
	return &ruleDescriptionOutput{
		Key:         rule.Key,
		Name:        rule.Name,
		Severity:    rule.Severity,
		Type:        rule.Type,
		Description: rule.HTMLDesc,
		Remediation: rule.Remediation,
	}, nil
}
