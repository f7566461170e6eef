package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"

	"mcsmotor/internal/motor"
	"mcsmotor/internal/shield"
)

// console implements the shell commands on top of a shield.
type console struct {
	sh *shield.Shield
}

type consoleCmd struct {
	name string
	help string
	run  func(c *console, args []string) (string, error)
}

var consoleCmds = []consoleCmd{
	{"status", "status", (*console).status},
	{"begin", "begin <output>", withOutput(func(ch *motor.UniDirectional, _ []string) error { return ch.Begin() })},
	{"end", "end <output>", withOutput(func(ch *motor.UniDirectional, _ []string) error { return ch.End() })},
	{"stop", "stop <output>", withOutput(func(ch *motor.UniDirectional, _ []string) error { return ch.Stop() })},
	{"start", "start <output> [speed]", withOutput(func(ch *motor.UniDirectional, rest []string) error {
		if len(rest) == 0 {
			return ch.Start()
		}
		s, err := parseSpeed(rest[0])
		if err != nil {
			return err
		}
		return ch.StartAt(s)
	})},
	{"speed", "speed <output> <0..255>", withOutput(func(ch *motor.UniDirectional, rest []string) error {
		if len(rest) == 0 {
			return fmt.Errorf("usage: speed <output> <0..255>")
		}
		s, err := parseSpeed(rest[0])
		if err != nil {
			return err
		}
		return ch.SetSpeed(s)
	})},
	{"sense", "sense <output>", (*console).sense},
}

func (c *console) exec(name string, args []string) (string, error) {
	for _, cmd := range consoleCmds {
		if cmd.name == name {
			return cmd.run(c, args)
		}
	}
	return "", fmt.Errorf("unknown command %q", name)
}

func (c *console) status(_ []string) (string, error) {
	var b strings.Builder
	for i, ch := range c.sh.Channels() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(describe(i+1, ch))
	}
	return b.String(), nil
}

func (c *console) sense(args []string) (string, error) {
	id, ch, err := c.output(args)
	if err != nil {
		return "", err
	}
	v, err := ch.CurrentSense()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("output %d sense=%d", id, v), nil
}

func (c *console) output(args []string) (int, *motor.UniDirectional, error) {
	if len(args) == 0 {
		return 0, nil, fmt.Errorf("output id required")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, nil, fmt.Errorf("invalid output %q", args[0])
	}
	ch, ok := c.sh.Channel(id)
	if !ok {
		return 0, nil, fmt.Errorf("unknown output %d", id)
	}
	return id, ch, nil
}

func withOutput(fn func(ch *motor.UniDirectional, rest []string) error) func(c *console, args []string) (string, error) {
	return func(c *console, args []string) (string, error) {
		id, ch, err := c.output(args)
		if err != nil {
			return "", err
		}
		if err := fn(ch, args[1:]); err != nil {
			return "", err
		}
		return describe(id, ch), nil
	}
}

func parseSpeed(s string) (uint8, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > 255 {
		return 0, fmt.Errorf("speed must be an integer in [0,255], got %q", s)
	}
	return uint8(v), nil
}

func describe(id int, ch *motor.UniDirectional) string {
	st := ch.State()
	return fmt.Sprintf("output %d enabled=%v running=%v speed=%d mode=%s in_use=%v",
		id, st.Enabled, st.Running, st.Speed, st.Mode, ch.HalfBridge().InUse())
}

// runShell blocks until the shell exits or ctx is cancelled.
func runShell(ctx context.Context, sh *shield.Shield) {
	con := &console{sh: sh}

	shell := ishell.New()
	shell.Println("mcsmotor control shell")
	for _, cmd := range consoleCmds {
		cmd := cmd
		shell.AddCmd(&ishell.Cmd{
			Name: cmd.name,
			Help: cmd.help,
			Func: func(c *ishell.Context) {
				out, err := con.exec(cmd.name, c.Args)
				if err != nil {
					c.Println("error:", err)
					return
				}
				c.Println(out)
			},
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		shell.Run()
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}
