package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/services"
	"github.com/wurt83ow/hifzkeeper/pkg/syncinfo"
	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

var dateFormat = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Teacher is the set of UI actions the shell drives.
type Teacher interface {
	MarkAttendance(ctx context.Context, e models.AttendanceEntry) (services.Outcome, error)
	AddRecitations(ctx context.Context, records []models.RecitationEntry) (services.Outcome, error)
	AddBonusPoints(ctx context.Context, records []models.BonusPointsEntry) (services.Outcome, error)
	UpdateStudent(ctx context.Context, studentID string, fields map[string]any) (services.Outcome, error)
	AddCheckRecords(ctx context.Context, records []models.CheckRecord) (services.Outcome, error)
	SaveTeachingSession(ctx context.Context, ts models.TeachingSession) (services.Outcome, error)
	RefreshStudents(ctx context.Context, teacherID string) ([]models.Student, bool, error)
	AttendanceView(ctx context.Context, date string) (map[string]string, error)
}

type Queue interface {
	PeekQueue(ctx context.Context) ([]models.SyncQueueItem, error)
	DeadLetters(ctx context.Context) ([]models.SyncQueueItem, error)
	RetryDeadLetters(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

type Connectivity interface {
	Online() bool
	SetOnline(ctx context.Context, online bool)
	SyncNow(ctx context.Context) (syncqueue.Result, error)
}

type SyncInfo interface {
	GetSyncInfo() syncinfo.SyncInfo
}

// HifzKeeper is the interactive teacher shell.
type HifzKeeper struct {
	teacher   Teacher
	queue     Queue
	net       Connectivity
	info      SyncInfo
	teacherID string
	out       io.Writer
	rl        *readline.Instance
}

type Config struct {
	Teacher      Teacher
	Queue        Queue
	Connectivity Connectivity
	SyncInfo     SyncInfo
	TeacherID    string
	Out          io.Writer
}

func NewHifzKeeper(cfg Config) *HifzKeeper {
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	return &HifzKeeper{
		teacher:   cfg.Teacher,
		queue:     cfg.Queue,
		net:       cfg.Connectivity,
		info:      cfg.SyncInfo,
		teacherID: cfg.TeacherID,
		out:       out,
	}
}

// Start runs the read-eval loop until quit, EOF or ctx is done.
func (hk *HifzKeeper) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hifz> ",
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	hk.rl = rl
	hk.out = rl.Stdout()
	defer hk.Close()

	fmt.Fprintln(hk.out, `Type "help" for commands.`)
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		if err := hk.Exec(ctx, line); err != nil {
			if errors.Is(err, ErrQuit) {
				return nil
			}
			fmt.Fprintln(hk.out, "error:", err)
		}
	}
	return ctx.Err()
}

func (hk *HifzKeeper) Close() {
	if hk.rl != nil {
		hk.rl.Close()
	}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("students"),
		readline.PcItem("attend"),
		readline.PcItem("recite"),
		readline.PcItem("bonus"),
		readline.PcItem("student"),
		readline.PcItem("check"),
		readline.PcItem("session"),
		readline.PcItem("view"),
		readline.PcItem("queue"),
		readline.PcItem("dead", readline.PcItem("retry")),
		readline.PcItem("sync"),
		readline.PcItem("status"),
		readline.PcItem("online"),
		readline.PcItem("offline"),
		readline.PcItem("clear"),
		readline.PcItem("quit"),
	)
}

const help = `commands:
  students                                  refresh the student list
  attend <student> <date> <status>          mark attendance (present, absent, late, excused)
  recite <student> <date> <surah> <from> <to> [grade]
  bonus <student> <date> <points> [reason]
  student <student> <field>=<value>...      update student fields
  check <student> <date> <kind> <pass|fail> [notes]
  session <date> <student-count> [notes]    record today's teaching session
  view <date>                               attendance for a day
  queue                                     list pending sync items
  dead [retry]                              list or requeue dead letters
  sync                                      replay the queue now
  status                                    connectivity and last sync
  online | offline                          report a connectivity change
  clear                                     drop every pending item
  quit`

// Exec runs one shell command line.
func (hk *HifzKeeper) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(hk.out, help)
	case "quit", "exit":
		return ErrQuit
	case "students":
		return hk.students(ctx)
	case "attend":
		return hk.attend(ctx, args)
	case "recite":
		return hk.recite(ctx, args)
	case "bonus":
		return hk.bonus(ctx, args)
	case "student":
		return hk.student(ctx, args)
	case "check":
		return hk.check(ctx, args)
	case "session":
		return hk.session(ctx, args)
	case "view":
		return hk.view(ctx, args)
	case "queue":
		items, err := hk.queue.PeekQueue(ctx)
		if err != nil {
			return err
		}
		PrintQueue(hk.out, items)
	case "dead":
		return hk.dead(ctx, args)
	case "sync":
		res, err := hk.net.SyncNow(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(hk.out, "attempted %d, synced %d, failed %d\n", res.Attempted, res.Succeeded, res.Failed)
	case "status":
		items, err := hk.queue.PeekQueue(ctx)
		if err != nil {
			return err
		}
		PrintStatus(hk.out, hk.net.Online(), len(items), hk.info.GetSyncInfo())
	case "online", "offline":
		hk.net.SetOnline(ctx, cmd == "online")
	case "clear":
		if err := hk.queue.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(hk.out, "queue cleared")
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (hk *HifzKeeper) students(ctx context.Context) error {
	students, fromCache, err := hk.teacher.RefreshStudents(ctx, hk.teacherID)
	if err != nil {
		return err
	}
	if fromCache {
		fmt.Fprintln(hk.out, "(offline, cached list)")
	}
	w := tabwriter.NewWriter(hk.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tPOINTS")
	for _, s := range students {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.Name, s.GroupName, s.TotalPoints)
	}
	return w.Flush()
}

func (hk *HifzKeeper) attend(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: attend <student> <date> <status>")
	}
	if err := checkDate(args[1]); err != nil {
		return err
	}
	switch args[2] {
	case "present", "absent", "late", "excused":
	default:
		return fmt.Errorf("unknown attendance status %q", args[2])
	}
	out, err := hk.teacher.MarkAttendance(ctx, models.AttendanceEntry{StudentID: args[0], Date: args[1], Status: args[2]})
	return hk.report(out, err)
}

func (hk *HifzKeeper) recite(ctx context.Context, args []string) error {
	if len(args) < 5 {
		return errors.New("usage: recite <student> <date> <surah> <from> <to> [grade]")
	}
	if err := checkDate(args[1]); err != nil {
		return err
	}
	from, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("from ayah: %w", err)
	}
	to, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("to ayah: %w", err)
	}
	if from < 1 || to < from {
		return errors.New("ayah range is invalid")
	}
	rec := models.RecitationEntry{StudentID: args[0], Date: args[1], Surah: args[2], FromAyah: from, ToAyah: to}
	if len(args) > 5 {
		rec.Grade = args[5]
	}
	out, err := hk.teacher.AddRecitations(ctx, []models.RecitationEntry{rec})
	return hk.report(out, err)
}

func (hk *HifzKeeper) bonus(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: bonus <student> <date> <points> [reason]")
	}
	if err := checkDate(args[1]); err != nil {
		return err
	}
	points, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("points: %w", err)
	}
	out, err := hk.teacher.AddBonusPoints(ctx, []models.BonusPointsEntry{{
		StudentID: args[0],
		Date:      args[1],
		Points:    points,
		Reason:    strings.Join(args[3:], " "),
	}})
	return hk.report(out, err)
}

func (hk *HifzKeeper) student(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: student <student> <field>=<value>...")
	}
	fields, err := ParseFields(args[1:])
	if err != nil {
		return err
	}
	out, err := hk.teacher.UpdateStudent(ctx, args[0], fields)
	return hk.report(out, err)
}

func (hk *HifzKeeper) check(ctx context.Context, args []string) error {
	if len(args) < 4 {
		return errors.New("usage: check <student> <date> <kind> <pass|fail> [notes]")
	}
	if err := checkDate(args[1]); err != nil {
		return err
	}
	var passed bool
	switch args[3] {
	case "pass":
		passed = true
	case "fail":
	default:
		return fmt.Errorf("check result %q must be pass or fail", args[3])
	}
	out, err := hk.teacher.AddCheckRecords(ctx, []models.CheckRecord{{
		StudentID: args[0],
		Date:      args[1],
		Kind:      args[2],
		Passed:    passed,
		Notes:     strings.Join(args[4:], " "),
	}})
	return hk.report(out, err)
}

func (hk *HifzKeeper) session(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: session <date> <student-count> [notes]")
	}
	if hk.teacherID == "" {
		return errors.New("no teacher id, set an access token")
	}
	if err := checkDate(args[0]); err != nil {
		return err
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		return fmt.Errorf("student count %q is invalid", args[1])
	}
	out, err := hk.teacher.SaveTeachingSession(ctx, models.TeachingSession{
		TeacherID:    hk.teacherID,
		Date:         args[0],
		StudentCount: count,
		Notes:        strings.Join(args[2:], " "),
	})
	return hk.report(out, err)
}

func (hk *HifzKeeper) view(ctx context.Context, args []string) error {
	date := time.Now().Format(time.DateOnly)
	if len(args) > 0 {
		date = args[0]
	}
	if err := checkDate(date); err != nil {
		return err
	}
	view, err := hk.teacher.AttendanceView(ctx, date)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(view))
	for id := range view {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(hk.out, "%s\t%s\n", id, view[id])
	}
	return nil
}

func (hk *HifzKeeper) dead(ctx context.Context, args []string) error {
	if len(args) > 0 && args[0] == "retry" {
		n, err := hk.queue.RetryDeadLetters(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(hk.out, "%d item(s) requeued\n", n)
		return nil
	}
	items, err := hk.queue.DeadLetters(ctx)
	if err != nil {
		return err
	}
	PrintQueue(hk.out, items)
	return nil
}

func (hk *HifzKeeper) report(out services.Outcome, err error) error {
	if err != nil {
		return err
	}
	if out == services.Queued {
		fmt.Fprintln(hk.out, "Saved offline. Will sync when online.")
		return nil
	}
	fmt.Fprintln(hk.out, "Saved.")
	return nil
}

// ParseFields turns field=value pairs into a student update. Integers and
// booleans keep their type; everything else stays a string.
func ParseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q must be name=value", pair)
		}
		if n, err := strconv.Atoi(value); err == nil {
			fields[key] = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			fields[key] = b
		} else {
			fields[key] = value
		}
	}
	return fields, nil
}

func checkDate(s string) error {
	if !dateFormat.MatchString(s) {
		return fmt.Errorf("date %q must be YYYY-MM-DD", s)
	}
	return nil
}

// PrintQueue lists queue items oldest first.
func PrintQueue(w io.Writer, items []models.SyncQueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tENQUEUED\tATTEMPTS\tLAST ERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", it.ID, it.Type, it.EnqueuedAt.Format(time.DateTime), it.Attempts, it.LastError)
	}
	tw.Flush()
}

func PrintStatus(w io.Writer, online bool, pending int, info syncinfo.SyncInfo) {
	state := "offline"
	if online {
		state = "online"
	}
	fmt.Fprintf(w, "connectivity: %s\n", state)
	fmt.Fprintf(w, "pending:      %d\n", pending)
	if info.LastSync.IsZero() {
		fmt.Fprintln(w, "last sync:    never")
	} else {
		fmt.Fprintf(w, "last sync:    %s\n", info.LastSync.Local().Format(time.DateTime))
	}
	if !info.LastAttempt.IsZero() {
		fmt.Fprintf(w, "last attempt: %s (%d synced, %d failed)\n",
			info.LastAttempt.Local().Format(time.DateTime), info.Succeeded, info.Failed)
	}
}
