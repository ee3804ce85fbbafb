/*
Authmilter - Mail authentication gateway for MTAs.
Copyright © 2024 The authmilter developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/authmilter/authmilter/framework/log"
	authmiltercli "github.com/authmilter/authmilter/internal/cli"
	"github.com/authmilter/authmilter/internal/daemon"
	"github.com/authmilter/authmilter/internal/pidfile"
	"github.com/authmilter/authmilter/internal/supervisor"
)

const defaultConfigPath = "/etc/authmilter/authmilter.conf"

var controlFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "pid-file",
		Usage: "path to the master PID file",
		Value: "/run/authmilter.pid",
	},
}

func init() {
	authmiltercli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "start the gateway in the foreground",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				Value:   defaultConfigPath,
				EnvVars: []string{"AUTHMILTER_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		}, controlFlags...),
		Action: cmdRun,
	})
	authmiltercli.AddSubcommand(&cli.Command{
		Name:  "start",
		Usage: "start the gateway in the background",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				Value:   defaultConfigPath,
				EnvVars: []string{"AUTHMILTER_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		}, controlFlags...),
		Action: cmdStart,
	})
	authmiltercli.AddSubcommand(&cli.Command{
		Name:   "stop",
		Usage:  "stop the running gateway",
		Flags:  controlFlags,
		Action: cmdStop,
	})
	authmiltercli.AddSubcommand(&cli.Command{
		Name:  "restart",
		Usage: "stop the running gateway, then start it again",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				Value:   defaultConfigPath,
				EnvVars: []string{"AUTHMILTER_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		}, controlFlags...),
		Action: cmdRestart,
	})
	authmiltercli.AddSubcommand(&cli.Command{
		Name:   "status",
		Usage:  "report whether the gateway is running",
		Flags:  controlFlags,
		Action: cmdStatus,
	})
	authmiltercli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "print the version and exit",
		Action: func(c *cli.Context) error {
			fmt.Println("authmilter", daemon.BuildInfo())
			return nil
		},
	})
}

func loadConfig(path string, debug bool) (*daemon.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := daemon.ParseConfig(f, path)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func cmdRun(c *cli.Context) error {
	configPath := c.String("config")
	debug := c.Bool("debug")

	// A broken configuration is fatal at startup, the restart
	// throttle only covers serve-time failures.
	if _, err := loadConfig(configPath, debug); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	if pidPath := c.String("pid-file"); pidPath != "" {
		if pid, running := pidfile.Running(pidPath); running {
			return cli.Exit(fmt.Sprintf("already running (pid %d)", pid), 1)
		}
		if err := pidfile.Write(pidPath); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		defer pidfile.Remove(pidPath)
	}

	throttle := supervisor.RestartThrottle{Log: log.DefaultLogger}
	return throttle.Run(func() error {
		return serveLoop(configPath, debug)
	})
}

// serveLoop runs the daemon until clean shutdown, re-assembling it on
// SIGHUP. A configuration error during reload keeps the old instance
// dead rather than serving stale config, matching startup strictness.
func serveLoop(configPath string, debug bool) error {
	for {
		cfg, err := loadConfig(configPath, debug)
		if err != nil {
			return err
		}
		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}
		err = d.Run()
		if errors.Is(err, daemon.ErrReload) {
			continue
		}
		return err
	}
}

func cmdStart(c *cli.Context) error {
	pidPath := c.String("pid-file")
	if pid, running := pidfile.Running(pidPath); running {
		return cli.Exit(fmt.Sprintf("already running (pid %d)", pid), 1)
	}

	exe, err := os.Executable()
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	args := []string{"run", "--config", c.String("config"), "--pid-file", pidPath}
	if c.Bool("debug") {
		args = append(args, "--debug")
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = detachAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	fmt.Printf("started (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func cmdStop(c *cli.Context) error {
	return stop(c.String("pid-file"))
}

func stop(pidPath string) error {
	pid, running := pidfile.Running(pidPath)
	if !running {
		return cli.Exit("not running", 1)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, running := pidfile.Running(pidPath); !running {
			fmt.Println("stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return cli.Exit(fmt.Sprintf("pid %d did not exit within 10s", pid), 1)
}

func cmdRestart(c *cli.Context) error {
	if _, running := pidfile.Running(c.String("pid-file")); running {
		if err := stop(c.String("pid-file")); err != nil {
			return err
		}
	}
	return cmdStart(c)
}

func cmdStatus(c *cli.Context) error {
	if pid, running := pidfile.Running(c.String("pid-file")); running {
		fmt.Printf("authmilter (pid %d) is running\n", pid)
		return nil
	}
	return cli.Exit("authmilter is not running", 3)
}
