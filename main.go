// dossync.go
// FAT12/16 virtual disk engine with bidirectional host <-> emulator sync.
// Cobra CLI over an image toolbox, an HTTP sync server and a tcell dashboard.
//
// Build:
//
//	go build -o dossync .
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dossync/internal/fat"
	"dossync/internal/server"
	"dossync/internal/syncer"
	"dossync/syncview"
)

/* ===================== Small helpers ===================== */

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func human(b int64) string {
	if b >= 1024*1024 {
		return fmt.Sprintf("%dM", b/(1024*1024))
	}
	if b >= 1024 {
		return fmt.Sprintf("%dK", b/1024)
	}
	return fmt.Sprintf("%dB", b)
}

func loadImage(path string) ([]byte, fat.Geometry, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, fat.Geometry{}, fmt.Errorf("read image: %w", err)
	}
	g, err := fat.Resolve(img)
	if err != nil {
		return nil, fat.Geometry{}, fmt.Errorf("%s: %w", path, err)
	}
	return img, g, nil
}

func saveImage(path string, img []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, img, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

/* ===================== Main ===================== */

func main() {
	var verbose bool
	root := &cobra.Command{
		Use:   "dossync",
		Short: "FAT12/16 disk image engine with host/emulator sync",
		Long:  "Build, inspect and edit FAT12/16 disk images, and keep a host directory in sync with an emulated DOS disk",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(buildCmd())
	root.AddCommand(extractCmd())
	root.AddCommand(lsCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(putCmd())
	root.AddCommand(getCmd())
	root.AddCommand(rmCmd())
	root.AddCommand(fsckCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(copyCmd())

	must(root.Execute())
}

/* ===================== Image commands ===================== */

func buildCmd() *cobra.Command {
	var (
		out      string
		sizeMB   int
		floppyKB int
		fromDir  string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a blank FAT image, optionally pre-loaded from a directory",
		RunE: func(_ *cobra.Command, _ []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			var img []byte
			var err error
			switch {
			case floppyKB != 0:
				if fromDir != "" {
					return fmt.Errorf("--from cannot be combined with --floppy")
				}
				img, err = fat.BlankFloppyImage(floppyKB)
			case fromDir != "":
				img, err = fat.BuildFromDirectory(fromDir, fat.ClampImageMB(sizeMB))
			default:
				img, err = fat.BlankImage(fat.ClampImageMB(sizeMB))
			}
			if err != nil {
				return err
			}
			if err := saveImage(out, img); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%s)\n", out, human(int64(len(img))))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output image file")
	cmd.Flags().IntVar(&sizeMB, "size", fat.DefaultImageMB, "image size in MB (clamped to the supported range)")
	cmd.Flags().IntVar(&floppyKB, "floppy", 0, "build a classic floppy instead: 360, 720, 1200, 1440 or 2880 (KB)")
	cmd.Flags().StringVar(&fromDir, "from", "", "directory whose files are copied into the new image")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func extractCmd() *cobra.Command {
	var in, dir string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract all root directory files from an image into a host directory",
		RunE: func(_ *cobra.Command, _ []string) error {
			img, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			n, err := fat.ExtractToDirectory(img, dir)
			if err != nil {
				return err
			}
			fmt.Printf("Extracted %d file(s) to %s\n", n, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image file")
	cmd.Flags().StringVar(&dir, "dir", ".", "destination directory")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func lsCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the root directory of an image",
		RunE: func(_ *cobra.Command, _ []string) error {
			img, g, err := loadImage(in)
			if err != nil {
				return err
			}
			entries := fat.ListEntries(img, g)
			sort.Slice(entries, func(i, j int) bool { return entries[i].FullName < entries[j].FullName })
			fmt.Printf("%-14s  %-10s  %-8s  %s\n", "Name", "Size", "Cluster", "Attr")
			for _, e := range entries {
				kind := ""
				if e.IsDirectory() {
					kind = "<DIR>"
				}
				fmt.Printf("%-14s  %-10d  %-8d  %s\n", e.FullName, e.Size, e.FirstCluster, kind)
			}
			fmt.Printf("\n%d entries, %s free\n",
				len(entries),
				human(int64(fat.CountFreeClusters(img, g))*int64(g.BytesPerCluster())))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func infoCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the resolved geometry of an image (read-only)",
		RunE: func(_ *cobra.Command, _ []string) error {
			img, g, err := loadImage(in)
			if err != nil {
				return err
			}
			fmt.Println("Image info")
			fmt.Printf("  File:             %s (%s)\n", in, human(int64(len(img))))
			fmt.Printf("  FAT type:         FAT%d\n", g.FATBits)
			fmt.Printf("  Partition offset: %d\n", g.PartitionOffset)
			fmt.Printf("  Bytes/Sector:     %d\n", g.BytesPerSector)
			fmt.Printf("  Sectors/Cluster:  %d\n", g.SectorsPerCluster)
			fmt.Printf("  Reserved sectors: %d\n", g.ReservedSectors)
			fmt.Printf("  FATs:             %d\n", g.NumFATs)
			fmt.Printf("  Sectors/FAT:      %d\n", g.SectorsPerFAT)
			fmt.Printf("  Root entries:     %d\n", g.RootEntries)
			fmt.Printf("  Total sectors:    %d\n", g.TotalSectors)
			fmt.Printf("  Clusters:         %d (%s each)\n", g.ClusterCount, human(int64(g.BytesPerCluster())))
			fmt.Printf("  Free space:       %s\n",
				human(int64(fat.CountFreeClusters(img, g))*int64(g.BytesPerCluster())))
			fmt.Printf("  Fingerprint:      %08x\n", fat.Fingerprint(img, g))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func putCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "put --in <image> <file>...",
		Short: "Copy host files into an image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			img, g, err := loadImage(in)
			if err != nil {
				return err
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				name := strings.ToUpper(strings.TrimSpace(filepath.Base(path)))
				if err := fat.WriteFile(img, g, name, data); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Printf("Stored %s (%s)\n", name, human(int64(len(data))))
			}
			return saveImage(in, img)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func getCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "get --in <image> <name>",
		Short: "Copy a file out of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			img, g, err := loadImage(in)
			if err != nil {
				return err
			}
			e, err := fat.FindEntry(img, g, args[0])
			if err != nil {
				return err
			}
			data, err := fat.ReadBySize(img, g, e)
			if err != nil {
				return err
			}
			dst := out
			if dst == "" {
				dst = e.FullName
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%s)\n", dst, human(int64(len(data))))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image file")
	cmd.Flags().StringVar(&out, "out", "", "destination path (defaults to the entry name)")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func rmCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "rm --in <image> <name>",
		Short: "Delete a file from an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			img, g, err := loadImage(in)
			if err != nil {
				return err
			}
			if err := fat.Delete(img, g, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", strings.ToUpper(args[0]))
			return saveImage(in, img)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func fsckCmd() *cobra.Command {
	var in string
	var repair bool
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Compare the two FAT copies and optionally repair from the second",
		RunE: func(_ *cobra.Command, _ []string) error {
			img, g, err := loadImage(in)
			if err != nil {
				return err
			}
			diffs := fat.CompareFATs(img, g)
			if len(diffs) == 0 {
				fmt.Println("FAT copies are identical")
				return nil
			}
			fmt.Printf("FAT copies differ at %d byte(s)", len(diffs))
			if len(diffs) <= 16 {
				fmt.Printf(": offsets %v", diffs)
			}
			fmt.Println()
			if !repair {
				fmt.Println("Run with --repair to copy FAT #2 over FAT #1")
				return nil
			}
			n := fat.RepairFATs(img, g)
			fmt.Printf("Repaired %d byte(s) from FAT #2\n", n)
			return saveImage(in, img)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "image file")
	cmd.Flags().BoolVar(&repair, "repair", false, "overwrite FAT #1 with FAT #2")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

/* ===================== Server and sync ===================== */

func serveCmd() *cobra.Command {
	var (
		cfgPath   string
		listen    string
		workspace string
		images    string
		sizeMB    int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP sync server over a workspace directory",
		RunE: func(_ *cobra.Command, _ []string) error {
			var cfg server.Config
			if cfgPath != "" {
				var err error
				cfg, err = server.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if workspace != "" {
				cfg.WorkspaceDir = workspace
			}
			if images != "" {
				cfg.ImagesDir = images
			}
			if sizeMB != 0 {
				cfg.DefaultImageMB = sizeMB
			}
			srv, err := server.New(cfg, log.StandardLogger())
			if err != nil {
				return err
			}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "JSON config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :8370)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "host workspace directory")
	cmd.Flags().StringVar(&images, "images", "", "directory for named image imports")
	cmd.Flags().IntVar(&sizeMB, "size", 0, "default image size in MB")
	return cmd
}

func syncCmd() *cobra.Command {
	var (
		serverURL string
		workspace string
		sizeMB    int
		noUI      bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Continuously sync a workspace directory against a remote image server",
		RunE: func(_ *cobra.Command, _ []string) error {
			if workspace == "" {
				return fmt.Errorf("--workspace is required")
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			session, err := syncer.New(syncer.Config{
				WorkspaceDir: workspace,
				Source:       syncer.NewHTTPSource(serverURL),
				ImageSizeMB:  sizeMB,
			})
			if err != nil {
				return err
			}
			session.Start()
			defer session.Stop()

			if noUI {
				return runHeadless(session)
			}
			view, err := syncview.New("DOSSYNC  " + serverURL)
			if err != nil {
				return fmt.Errorf("ui init: %w", err)
			}
			defer view.Close()
			view.SetSummaryLines([]string{
				"workspace: " + workspace,
				"server:    " + serverURL,
			})

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				view.RequestStop()
			}()

			if err := view.Run(session); err != nil && err != syncview.ErrInterrupted {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8370", "base URL of the sync server")
	cmd.Flags().StringVar(&workspace, "workspace", "", "host workspace directory")
	cmd.Flags().IntVar(&sizeMB, "size", fat.DefaultImageMB, "rebuilt image size in MB")
	cmd.Flags().BoolVar(&noUI, "no-ui", false, "log events to stderr instead of the dashboard")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

// runHeadless prints session events until interrupted.
func runHeadless(session *syncer.Session) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			return nil
		case ev := <-session.Events():
			switch ev.Kind {
			case syncer.EventPushed:
				log.WithFields(log.Fields{
					"changed": ev.Changed,
					"deleted": ev.Deleted,
				}).Info("guest changes applied to workspace")
			case syncer.EventExternalChange:
				log.WithField("files", ev.Changed).Info("host edit detected")
			case syncer.EventPulled:
				log.Info("image rebuilt and replaced")
			case syncer.EventError:
				log.WithError(ev.Err).Warn("sync cycle failed")
			}
		}
	}
}

/* ===================== Copy operations ===================== */

func copyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy data between block devices and image files",
	}
	cmd.AddCommand(dev2imgCmd())
	cmd.AddCommand(img2devCmd())
	return cmd
}

func dev2imgCmd() *cobra.Command {
	var (
		device string
		out    string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "dev2img --device <device> --out <image>",
		Short: "Copy from device to image file (backup)",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("--force is required for device operations")
			}
			return copyDeviceToImage(device, out)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "source block device (e.g. /dev/sdb)")
	cmd.Flags().StringVar(&out, "out", "", "output image file")
	cmd.Flags().BoolVar(&force, "force", false, "confirm device operation")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func img2devCmd() *cobra.Command {
	var (
		in     string
		device string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "img2dev --in <image> --device <device>",
		Short: "Copy from image file to device (restore)",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("--force is required for device operations")
			}
			return copyImageToDevice(in, device)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "source image file")
	cmd.Flags().StringVar(&device, "device", "", "target block device (e.g. /dev/sdb)")
	cmd.Flags().BoolVar(&force, "force", false, "confirm device operation")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func copyDeviceToImage(devicePath, imagePath string) error {
	src, err := os.OpenFile(devicePath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer src.Close()

	deviceSize, err := getDeviceSize(src)
	if err != nil {
		return fmt.Errorf("get device size: %w", err)
	}

	dst, err := os.Create(imagePath)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer dst.Close()

	fmt.Printf("Copying %s (%s) to %s...\n", devicePath, human(deviceSize), imagePath)
	n, err := copyBlocks(dst, src, deviceSize)
	if err != nil {
		return err
	}
	fmt.Printf("\nCopy complete: %s copied\n", human(n))
	return nil
}

func copyImageToDevice(imagePath, devicePath string) error {
	src, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	imageSize := st.Size()

	dst, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer dst.Close()

	deviceSize, err := getDeviceSize(dst)
	if err != nil {
		return fmt.Errorf("get device size: %w", err)
	}
	if deviceSize < imageSize {
		return fmt.Errorf("device too small: has %s, need %s", human(deviceSize), human(imageSize))
	}

	fmt.Printf("Copying %s (%s) to %s...\n", imagePath, human(imageSize), devicePath)
	n, err := copyBlocks(dst, src, imageSize)
	if err != nil {
		return err
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync device: %w", err)
	}
	fmt.Printf("\nCopy complete: %s written\n", human(n))
	return nil
}

func copyBlocks(dst *os.File, src *os.File, total int64) (int64, error) {
	const blockSize = 1 << 16
	buf := make([]byte, blockSize)
	var copied int64
	for copied < total {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return copied, fmt.Errorf("write: %w", werr)
			}
			copied += int64(n)
			if copied%(blockSize*64) == 0 || copied >= total {
				fmt.Printf("\rProgress: %s / %s (%.1f%%)",
					human(copied), human(total), float64(copied)*100.0/float64(total))
			}
		}
		if err != nil {
			break
		}
	}
	return copied, nil
}
