package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// remotePaths is the per-job file layout on the compute node. Output files
// live under /tmp keyed by job id; the solution and result artifact live in
// the work directory, which holds one job at a time.
type remotePaths struct {
	Solution string
	Results  string
	Stdout   string
	Stderr   string
	Exit     string
}

func pathsFor(workDir, jobID string) remotePaths {
	workDir = strings.TrimRight(workDir, "/")
	return remotePaths{
		Solution: workDir + "/solution.py",
		Results:  workDir + "/results.jsonl",
		Stdout:   fmt.Sprintf("/tmp/job_%s.out", jobID),
		Stderr:   fmt.Sprintf("/tmp/job_%s.err", jobID),
		Exit:     fmt.Sprintf("/tmp/job_%s.exit", jobID),
	}
}

// launchCommand builds the detached launch line. setsid detaches from the
// session, nohup shields from SIGHUP, and the subshell records $? to the
// exit file so the status survives a transport drop. The final echo returns
// the background pid.
func launchCommand(graderFormat string, p remotePaths, competitionID string) string {
	grader := fmt.Sprintf(graderFormat, p.Solution, competitionID, p.Results)
	inner := fmt.Sprintf("(%s); echo $? > %s", grader, p.Exit)
	return fmt.Sprintf("setsid nohup bash -c '%s' > %s 2> %s < /dev/null & echo $!",
		inner, p.Stdout, p.Stderr)
}

// parsePID extracts the background pid from the launch command's stdout.
func parsePID(stdout string) (int, error) {
	s := strings.TrimSpace(stdout)
	if s == "" {
		return 0, fmt.Errorf("empty pid output")
	}
	fields := strings.Fields(s)
	pid, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("unparseable pid output %q", s)
	}
	return pid, nil
}

// parseExitFile maps the exit file's contents onto the wire encoding. A
// missing or empty file means the process vanished without recording status.
func parseExitFile(contents string) int {
	s := strings.TrimSpace(contents)
	if s == "" {
		return domain.ExitUnknown
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return domain.ExitUnknown
	}
	return domain.DecodeShellExit(code)
}

// cleanupCommand removes the job's remote files after retrieval.
func cleanupCommand(p remotePaths) string {
	return fmt.Sprintf("rm -f %s %s %s %s %s", p.Solution, p.Results, p.Stdout, p.Stderr, p.Exit)
}
