package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"touchcode-go/drivers/ttsp"
)

func parseUint(name, s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", name, s, err)
	}
	return v, nil
}

func parseHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("bad hex data: %w", err)
	}
	return b, nil
}

func parseMode(s string) (ttsp.Mode, error) {
	switch s {
	case "any":
		return ttsp.ModeAny, nil
	case "op", "operational":
		return ttsp.ModeOperational, nil
	case "cat":
		return ttsp.ModeCat, nil
	case "sysinfo":
		return ttsp.ModeSysInfo, nil
	}
	return 0, fmt.Errorf("bad mode %q: want any, op, cat or sysinfo", s)
}

func newStatusCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device state and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			st, n := s.core.State(), s.core.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device:    %s\n", st.Device)
			fmt.Fprintf(out, "mode:      %s\n", st.Mode)
			fmt.Fprintf(out, "sleep:     %s\n", st.Sleep)
			fmt.Fprintf(out, "startup:   %s\n", st.Startup)
			fmt.Fprintf(out, "watchdog:  %t\n", s.core.WatchdogActive())
			fmt.Fprintf(out, "interrupts=%d handshakes=%d reports=%d startups=%d resets=%d\n",
				n.Interrupts, n.Handshakes, n.Reports, n.StartupsRun, n.Resets)
			return nil
		},
	}
}

func newSysInfoCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Show the system information read at startup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			si, err := s.core.SysInfo()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			cy, p, op := si.CyData, si.Panel, si.Op
			fmt.Fprintf(out, "ttpid:      0x%04x\n", cy.TTPID)
			fmt.Fprintf(out, "firmware:   %d.%d rev 0x%08x\n", cy.FWMajor, cy.FWMinor, cy.RevCtrl)
			fmt.Fprintf(out, "bootloader: %d.%d\n", cy.BLMajor, cy.BLMinor)
			fmt.Fprintf(out, "silicon:    0x%08x\n", cy.SiliconID)
			fmt.Fprintf(out, "endianness: %s\n", si.Endianness)
			fmt.Fprintf(out, "panel:      %dx%d electrodes, %dx%d res, max z %d\n",
				p.ElectrodesX, p.ElectrodesY, p.ResX, p.ResY, p.MaxZ)
			fmt.Fprintf(out, "command:    0x%02x\n", op.CmdOffset)
			fmt.Fprintf(out, "report:     0x%02x size %d, %d touches of %d bytes\n",
				op.RepOffset, op.RepSize, op.MaxTouches, op.TouchRecordSize)
			return nil
		},
	}
}

func newRegCommand(e *env) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "reg",
		Short: "Raw register access",
	}
	cmd.PersistentFlags().StringVar(&mode, "mode", "any", "Required device mode: any, op, cat, sysinfo")

	cmd.AddCommand(&cobra.Command{
		Use:   "read <addr> <len>",
		Short: "Read registers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			addr, err := parseUint("address", args[0], 16)
			if err != nil {
				return err
			}
			n, err := parseUint("length", args[1], 16)
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			buf := make([]byte, n)
			if err := s.core.Read(m, uint16(addr), buf); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(buf))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "write <addr> <hex>",
		Short: "Write registers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			addr, err := parseUint("address", args[0], 16)
			if err != nil {
				return err
			}
			data, err := parseHex(args[1])
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			return s.core.Write(m, uint16(addr), data)
		},
	})
	return cmd
}

func newCfgCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cfg",
		Short: "Configuration block access",
	}
	args3 := func(args []string) (uint8, uint16, error) {
		ebid, err := parseUint("ebid", args[0], 8)
		if err != nil {
			return 0, 0, err
		}
		ofs, err := parseUint("offset", args[1], 16)
		if err != nil {
			return 0, 0, err
		}
		return uint8(ebid), uint16(ofs), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "read <ebid> <offset> <len>",
		Short: "Read a configuration block region",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ebid, ofs, err := args3(args)
			if err != nil {
				return err
			}
			n, err := parseUint("length", args[2], 16)
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			var data []byte
			if err := s.inCat(func() (err error) {
				data, err = s.core.ReadConfig(ebid, ofs, int(n))
				return err
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "write <ebid> <offset> <hex>",
		Short: "Write and verify a configuration block region",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ebid, ofs, err := args3(args)
			if err != nil {
				return err
			}
			data, err := parseHex(args[2])
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			return s.core.ProgramConfig(s.client, ebid, ofs, data)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <ebid>",
		Short: "Check a block's stored CRC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ebid, err := parseUint("ebid", args[0], 8)
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			var crc uint16
			if err := s.inCat(func() (err error) {
				crc, err = s.core.VerifyConfigCRC(uint8(ebid))
				return err
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "crc 0x%04x ok\n", crc)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "crc <ebid>",
		Short: "Read a block's CRC in operational mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ebid, err := parseUint("ebid", args[0], 8)
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			crc, err := s.core.GetConfigCRC(uint8(ebid))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "crc 0x%04x\n", crc)
			return nil
		},
	})
	return cmd
}

func newCalibrateCommand(e *env) *cobra.Command {
	var sensing, baselines uint8
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate IDACs and re-initialise baselines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			return s.inCat(func() error {
				if err := s.core.CalibrateIDACs(sensing); err != nil {
					return err
				}
				return s.core.InitBaselines(baselines)
			})
		},
	}
	cmd.Flags().Uint8Var(&sensing, "sensing", 0, "Sensing mode: 0 mutual, 1 buttons, 2 self")
	cmd.Flags().Uint8Var(&baselines, "baselines", 0x07, "Baseline mask")
	return cmd
}

func newScanCommand(e *env) *cobra.Command {
	var offset, count uint16
	var dataType uint8
	var elemSize int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a panel scan and dump the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			var ps ttsp.PanelScan
			if err := s.inCat(func() (err error) {
				if err := s.core.ExecPanelScan(); err != nil {
					return err
				}
				ps, err = s.core.RetrievePanelScan(offset, count, dataType, elemSize)
				return err
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "type 0x%02x, %d elements of %d bytes\n",
				ps.DataType, len(ps.Data)/ps.ElementSize, ps.ElementSize)
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(ps.Data))
			return nil
		},
	}
	cmd.Flags().Uint16Var(&offset, "offset", 0, "First element")
	cmd.Flags().Uint16Var(&count, "count", 16, "Number of elements")
	cmd.Flags().Uint8Var(&dataType, "type", 0, "Scan data type")
	cmd.Flags().IntVar(&elemSize, "elem-size", 1, "Largest element size in bytes")
	return cmd
}

func newParamCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "param",
		Short: "Runtime parameters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Read a parameter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint("id", args[0], 8)
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			p, err := s.core.GetParam(uint8(id))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "0x%02x = 0x%x (%d bytes)\n", p.ID, p.Value, p.Size)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <id> <size> <value>",
		Short: "Write a parameter and keep it across resets",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint("id", args[0], 8)
			if err != nil {
				return err
			}
			size, err := parseUint("size", args[1], 8)
			if err != nil {
				return err
			}
			v, err := parseUint("value", args[2], 32)
			if err != nil {
				return err
			}
			s, err := e.session(cmd.Context())
			if err != nil {
				return err
			}
			return s.core.SetParam(ttsp.Param{ID: uint8(id), Size: uint8(size), Value: uint32(v)})
		},
	})
	return cmd
}

func newPowerCommands(e *env) []*cobra.Command {
	simple := func(use, short string, fn func(*session) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := e.session(cmd.Context())
				if err != nil {
					return err
				}
				return fn(s)
			},
		}
	}
	return []*cobra.Command{
		simple("sleep", "Put the controller into low power", func(s *session) error { return s.core.Sleep() }),
		simple("wake", "Bring the controller out of low power", func(s *session) error { return s.core.Wake() }),
		simple("restart", "Reset the controller and wait for startup", func(s *session) error {
			return s.core.RequestRestart(true)
		}),
	}
}
