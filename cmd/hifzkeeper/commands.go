package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wurt83ow/hifzkeeper/pkg/client"
	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/netstatus"
	"github.com/wurt83ow/hifzkeeper/pkg/services"
)

func newQueueCmd(a *app) *cobra.Command {
	var dead bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List items waiting to sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue := a.newQueue()
			list := queue.PeekQueue
			if dead {
				list = queue.DeadLetters
			}
			items, err := list(cmd.Context())
			if err != nil {
				return err
			}
			client.PrintQueue(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dead, "dead", false, "list dead-lettered items instead")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	var retryDead bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay the sync queue against the remote service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			queue := a.newQueue()
			if retryDead {
				n, err := queue.RetryDeadLetters(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d dead-lettered item(s) requeued\n", n)
			}
			if err := a.ping(ctx); err != nil {
				return fmt.Errorf("%w: %v", netstatus.ErrOffline, err)
			}
			res, err := queue.ReplayAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, synced %d, failed %d, skipped %d, dead-lettered %d\n",
				res.Attempted, res.Succeeded, res.Failed, res.Skipped, res.DeadLettered)
			return nil
		},
	}
	cmd.Flags().BoolVar(&retryDead, "retry-dead", false, "requeue dead-lettered items first")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every item waiting to sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.newQueue().Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue cleared")
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending items and the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			queue := a.newQueue()
			pending, err := queue.Pending(ctx)
			if err != nil {
				return err
			}
			dead, err := queue.DeadLetters(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			client.PrintStatus(out, a.ping(ctx) == nil, pending, a.info.GetSyncInfo())
			if len(dead) > 0 {
				fmt.Fprintf(out, "dead letters: %d\n", len(dead))
			}
			return nil
		},
	}
}

// offline keeps enqueue commands off the network.
type offline struct{}

func (offline) Online() bool { return false }

func newEnqueueCmd(a *app) *cobra.Command {
	var student, date string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record an entry locally and queue it for sync",
	}
	cmd.PersistentFlags().StringVar(&student, "student", "", "student id")
	cmd.PersistentFlags().StringVar(&date, "date", time.Now().Format(time.DateOnly), "day of the entry (YYYY-MM-DD)")
	// every entry but a teaching session belongs to one student
	needStudent := func(*cobra.Command, []string) error {
		if student == "" {
			return errors.New(`required flag(s) "student" not set`)
		}
		return nil
	}

	svc := func() *services.Service {
		return services.NewServices(a.cache, a.newQueue(), a.remote,
			services.WithConnectivity(offline{}),
			services.WithLogger(a.log.Logger),
		)
	}
	report := func(cmd *cobra.Command, out services.Outcome, err error) error {
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}

	var status string
	attendance := &cobra.Command{
		Use:   "attendance",
		Short:   "Queue an attendance mark",
		Args:    cobra.NoArgs,
		PreRunE: needStudent,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := svc().MarkAttendance(cmd.Context(), models.AttendanceEntry{StudentID: student, Date: date, Status: status})
			return report(cmd, out, err)
		},
	}
	attendance.Flags().StringVar(&status, "status", "present", "present, absent, late or excused")

	var points int
	var reason string
	bonus := &cobra.Command{
		Use:   "bonus",
		Short:   "Queue bonus points",
		Args:    cobra.NoArgs,
		PreRunE: needStudent,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := svc().AddBonusPoints(cmd.Context(), []models.BonusPointsEntry{{
				StudentID: student, Date: date, Points: points, Reason: reason,
			}})
			return report(cmd, out, err)
		},
	}
	bonus.Flags().IntVar(&points, "points", 1, "points to award")
	bonus.Flags().StringVar(&reason, "reason", "", "why the points were awarded")

	var surah, grade string
	var from, to int
	recitation := &cobra.Command{
		Use:   "recitation",
		Short:   "Queue a recitation record",
		Args:    cobra.NoArgs,
		PreRunE: needStudent,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if surah == "" || from < 1 || to < from {
				return errors.New("--surah and a valid --from/--to ayah range are required")
			}
			out, err := svc().AddRecitations(cmd.Context(), []models.RecitationEntry{{
				StudentID: student, Date: date, Surah: surah, FromAyah: from, ToAyah: to, Grade: grade,
			}})
			return report(cmd, out, err)
		},
	}
	recitation.Flags().StringVar(&surah, "surah", "", "surah name")
	recitation.Flags().IntVar(&from, "from", 1, "first ayah")
	recitation.Flags().IntVar(&to, "to", 1, "last ayah")
	recitation.Flags().StringVar(&grade, "grade", "", "teacher's grade")

	var set []string
	update := &cobra.Command{
		Use:     "student",
		Short:   "Queue a student field update",
		Args:    cobra.NoArgs,
		PreRunE: needStudent,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := client.ParseFields(set)
			if err != nil {
				return err
			}
			out, err := svc().UpdateStudent(cmd.Context(), student, fields)
			return report(cmd, out, err)
		},
	}
	update.Flags().StringArrayVar(&set, "set", nil, "field=value to change, repeatable")
	_ = update.MarkFlagRequired("set")

	var kind, notes string
	var passed bool
	check := &cobra.Command{
		Use:     "check",
		Short:   "Queue a memorisation check result",
		Args:    cobra.NoArgs,
		PreRunE: needStudent,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := svc().AddCheckRecords(cmd.Context(), []models.CheckRecord{{
				StudentID: student, Date: date, Kind: kind, Passed: passed, Notes: notes,
			}})
			return report(cmd, out, err)
		},
	}
	check.Flags().StringVar(&kind, "kind", "", "what was checked, e.g. juz or surah")
	check.Flags().BoolVar(&passed, "passed", false, "the student passed")
	check.Flags().StringVar(&notes, "notes", "", "teacher's notes")
	_ = check.MarkFlagRequired("kind")

	var teacher string
	var count int
	session := &cobra.Command{
		Use:   "session",
		Short: "Queue a teaching session record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := teacher
			if id == "" {
				id = a.teacherID(cmd.Context())
			}
			if id == "" {
				return errors.New("--teacher or an access token is required")
			}
			if count < 0 {
				return errors.New("--students cannot be negative")
			}
			out, err := svc().SaveTeachingSession(cmd.Context(), models.TeachingSession{
				TeacherID: id, Date: date, StudentCount: count, Notes: notes,
			})
			return report(cmd, out, err)
		},
	}
	session.Flags().StringVar(&teacher, "teacher", "", "teacher id (default from the access token)")
	session.Flags().IntVar(&count, "students", 0, "students taught")
	session.Flags().StringVar(&notes, "notes", "", "session notes")

	cmd.AddCommand(attendance, bonus, recitation, update, check, session)
	return cmd
}

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive teacher shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			queue := a.newQueue()
			observer := netstatus.NewObserver(a.remote, queue,
				netstatus.WithInterval(a.opts.ProbeInterval),
				netstatus.WithLogger(a.log.Logger),
			)
			go observer.Run(ctx)

			svc := services.NewServices(a.cache, queue, a.remote,
				services.WithConnectivity(observer),
				services.WithSafetyNet(a.opts.SafetyNet),
				services.WithLogger(a.log.Logger),
			)
			hk := client.NewHifzKeeper(client.Config{
				Teacher:      svc,
				Queue:        queue,
				Connectivity: observer,
				SyncInfo:     a.info,
				TeacherID:    a.teacherID(ctx),
				Out:          cmd.OutOrStdout(),
			})
			return hk.Start(ctx)
		},
	}
}

func (a *app) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.remote.Ping(pctx)
}
