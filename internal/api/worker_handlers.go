package api

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// lowGithubAPIBudget is the remaining-API-calls threshold below which a
// worker is only offered runs it has already compiled.
const lowGithubAPIBudget = 10

// credentials is the {username, password} pair every worker RPC carries.
type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// requestVersionBody is request_version's payload.
type requestVersionBody struct {
	credentials
	WorkerInfo domain.WorkerInfo `json:"worker_info"`
}

func (s *Server) handleRequestVersion(w http.ResponseWriter, r *http.Request) {
	var body requestVersionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"version": ServerVersion})
}

// myTask is the requesting worker's own view of the task it was handed,
// the "my_task" field of the trimmed run projection below.
type myTask struct {
	NumGames int           `json:"num_games"`
	Stats    *domain.Stats `json:"stats,omitempty"`
}

// minRun is the trimmed run projection handed to a worker: only what it
// needs to play its chunk, never the full task list of every other
// worker's in-flight chunk.
type minRun struct {
	ID     string         `json:"_id"`
	Args   domain.RunArgs `json:"args"`
	MyTask myTask         `json:"my_task"`
}

func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	var body requestVersionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	wi := body.WorkerInfo
	wi.Username = body.Username
	wi.RemoteAddr = remoteAddr(r)
	// A worker running low on GitHub API quota reports its remaining call
	// budget in rate; below the threshold the dispatcher restricts it to
	// runs it has already compiled.
	wi.LowGithubAPI = wi.Rate > 0 && wi.Rate < lowGithubAPIBudget

	result, err := s.dispatcher.Request(r.Context(), wi)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if result.Run == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"task_waiting":      result.TaskWaiting,
			"hit_machine_limit": result.HitMachineLimit,
		})
		return
	}

	task := result.Run.Tasks[result.TaskID]
	var taskStats *domain.Stats
	if task.Stats.GameCount() > 0 {
		taskStats = &task.Stats
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run": minRun{
			ID:   result.Run.ID,
			Args: result.Run.Args,
			MyTask: myTask{
				NumGames: task.NumGames,
				Stats:    taskStats,
			},
		},
		"task_id": result.TaskID,
	})
}

// updateTaskBody is update_task's payload.
type updateTaskBody struct {
	credentials
	RunID  string            `json:"run_id"`
	TaskID int               `json:"task_id"`
	Stats  domain.Stats      `json:"stats"`
	NPS    int64             `json:"nps"`
	SPSA   *domain.SPSAReport `json:"spsa,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var body updateTaskBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	result, err := s.updater.Update(r.Context(), body.RunID, body.TaskID, body.Stats, body.NPS, body.SPSA, body.Username)
	if err != nil {
		// Stale/Contract errors already answered {task_alive:false};
		// only a Store/run-lookup failure surfaces as an HTTP error.
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"task_alive": result.TaskAlive})
}

// failedTaskBody is failed_task's payload.
type failedTaskBody struct {
	credentials
	RunID  string `json:"run_id"`
	TaskID int    `json:"task_id"`
}

func (s *Server) handleFailedTask(w http.ResponseWriter, r *http.Request) {
	var body failedTaskBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.updater.Fail(r.Context(), body.RunID, body.TaskID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// workerStopRunBody is the worker-initiated stop_run RPC's payload
// (distinct from the submitter surface's stop, though both land on
// RunRegistry.StopRun): gated on >=1000 cpu-hours.
type workerStopRunBody struct {
	credentials
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

func (s *Server) handleWorkerStopRun(w http.ResponseWriter, r *http.Request) {
	var body workerStopRunBody
	if !decodeJSON(w, r, &body) {
		return
	}
	u, err := s.authenticate(r, body.Username, body.Password)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !u.CanStopRuns() {
		writeError(w, http.StatusForbidden, domain.ErrInsufficientCPU.Error())
		return
	}

	run, err := s.registry.Get(r.Context(), body.RunID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.registry.StopRun(r.Context(), run, body.Username, body.Message); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// requestSPSABody is request_spsa's payload.
type requestSPSABody struct {
	credentials
	RunID  string `json:"run_id"`
	TaskID int    `json:"task_id"`
}

func (s *Server) handleRequestSPSA(w http.ResponseWriter, r *http.Request) {
	var body requestSPSABody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	run, err := s.registry.Get(r.Context(), body.RunID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if body.TaskID < 0 || body.TaskID >= len(run.Tasks) {
		writeJSON(w, http.StatusOK, map[string]any{"task_alive": false})
		return
	}
	task := run.Tasks[body.TaskID]
	if !task.Active || task.WorkerInfo.Username != body.Username || !run.Args.IsSPSA() {
		writeJSON(w, http.StatusOK, map[string]any{"task_alive": false})
		return
	}

	pert := s.sessions.Issue(run.ID, task.WorkerInfo.WorkerKey(), *run.Args.SPSA)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_alive": true,
		"w_params":   pert.W,
		"b_params":   pert.B,
	})
}

// uploadPGNBody is upload_pgn's payload: pgn is base64-encoded,
// deflate-compressed bytes.
type uploadPGNBody struct {
	credentials
	RunID  string `json:"run_id"`
	TaskID int    `json:"task_id"`
	PGN    string `json:"pgn"`
}

func (s *Server) handleUploadPGN(w http.ResponseWriter, r *http.Request) {
	var body uploadPGNBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := s.authenticate(r, body.Username, body.Password); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	raw, err := base64.StdEncoding.DecodeString(body.PGN)
	if err != nil {
		writeError(w, http.StatusBadRequest, "pgn is not valid base64")
		return
	}
	// Validate the deflate stream decodes cleanly before storing it — the
	// store itself never inspects the compressed bytes.
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err == nil {
		_, err = io.Copy(io.Discard, zr)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "pgn is not a valid deflate stream")
		return
	}

	key := fmt.Sprintf("%s-%d", body.RunID, body.TaskID)
	if err := s.store.UpsertPGN(r.Context(), key, raw); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

// remoteAddr reads the value chi's RealIP middleware already rewrote onto
// r.RemoteAddr; workers never supply their own remote_addr.
func remoteAddr(r *http.Request) string {
	return r.RemoteAddr
}
