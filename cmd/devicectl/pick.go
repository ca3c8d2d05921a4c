package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/lifecycle"
	"github.com/mobiledevicelab/devicectl/internal/registry"
)

var pickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Browse discovered devices in an interactive picker",
	Long:  "Opens a full-screen device-tree browser: expand by OS and kind, select a device for its detail pane, boot it from the keyboard.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := buildDefaultRegistry()
		if err != nil {
			return err
		}
		return runPicker(cmd.Context(), reg)
	},
}

func init() {
	rootCmd.AddCommand(pickCmd)
}

// runPicker renders a tree of OS -> kind -> device, with a detail pane and a
// boot shortcut, in the same Pages/TreeView/TextView/footer shape as the
// teacher's view hierarchy browser.
func runPicker(ctx context.Context, reg *registry.Registry) error {
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(math.MaxInt),
	})))
	defer slog.SetDefault(prev)

	app := tview.NewApplication()
	pages := tview.NewPages()

	loadingView := tview.NewTextView().SetDynamicColors(true)
	loadingView.SetText("\n   Discovering devices...")

	treeView := tview.NewTreeView()
	treeView.SetBorder(true).SetTitle(" Devices ")

	detailView := tview.NewTextView().SetDynamicColors(true)
	detailView.SetBorder(true).SetTitle(" Detail ")
	detailView.SetScrollable(true)

	treeFooter := tview.NewTextView().
		SetText(" ↑↓ navigate  → expand  ← collapse  Enter detail  r refresh  q quit")
	treeWithFooter := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(treeView, 0, 1, true).
		AddItem(treeFooter, 1, 0, false)

	detailFooter := tview.NewTextView().SetText(" b boot  Esc back  q quit")
	detailWithFooter := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(detailView, 0, 1, true).
		AddItem(detailFooter, 1, 0, false)

	pages.AddPage("loading", loadingView, true, true)
	pages.AddPage("tree", treeWithFooter, true, false)
	pages.AddPage("detail", detailWithFooter, true, false)

	var currentRecord *device.Record

	treeView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() { //nolint:exhaustive // default falls through
		case tcell.KeyEnter:
			node := treeView.GetCurrentNode()
			if node == nil {
				return event
			}
			rec, ok := node.GetReference().(*device.Record)
			if !ok || rec == nil {
				return event
			}
			currentRecord = rec
			detailView.SetText(renderDeviceDetail(rec))
			detailView.ScrollToBeginning()
			pages.SwitchToPage("detail")
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'r':
				refreshTree(ctx, app, reg, treeView, loadingView, pages)
				return nil
			}
		}
		return event
	})

	detailView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() { //nolint:exhaustive // default falls through
		case tcell.KeyEscape:
			pages.SwitchToPage("tree")
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'b':
				if currentRecord == nil {
					return nil
				}
				go bootFromPicker(ctx, app, reg, currentRecord, detailFooter, detailView)
				return nil
			}
		}
		return event
	})

	refreshTree(ctx, app, reg, treeView, loadingView, pages)

	app.SetRoot(pages, true)
	return app.Run()
}

func refreshTree(ctx context.Context, app *tview.Application, reg *registry.Registry, treeView *tview.TreeView, loadingView *tview.TextView, pages *tview.Pages) {
	pages.SwitchToPage("loading")
	go func() {
		records, err := reg.Discover(ctx, false)
		app.QueueUpdateDraw(func() {
			if err != nil {
				loadingView.SetText(fmt.Sprintf("\n   Error: %v", err))
				return
			}
			root := buildDeviceTree(records)
			treeView.SetRoot(root)
			if children := root.GetChildren(); len(children) > 0 {
				treeView.SetCurrentNode(children[0])
			}
			pages.SwitchToPage("tree")
		})
	}()
}

func buildDeviceTree(records []*device.Record) *tview.TreeNode {
	root := tview.NewTreeNode("Devices").SetSelectable(false)

	groups := make(map[device.OS]map[device.Kind][]*device.Record)
	for _, rec := range records {
		snap := rec.Snapshot()
		if groups[snap.OS] == nil {
			groups[snap.OS] = make(map[device.Kind][]*device.Record)
		}
		groups[snap.OS][snap.Kind] = append(groups[snap.OS][snap.Kind], rec)
	}

	for _, os := range []device.OS{device.IOS, device.Android} {
		kinds, ok := groups[os]
		if !ok {
			continue
		}
		osNode := tview.NewTreeNode(string(os)).SetSelectable(false).SetExpanded(true)
		for _, kind := range []device.Kind{device.Simulator, device.Physical} {
			recs, ok := kinds[kind]
			if !ok {
				continue
			}
			kindNode := tview.NewTreeNode(string(kind)).SetSelectable(false).SetExpanded(true)
			for _, rec := range recs {
				snap := rec.Snapshot()
				label := fmt.Sprintf("%s [%s]", snap.Name, snap.State)
				kindNode.AddChild(tview.NewTreeNode(label).SetReference(rec))
			}
			osNode.AddChild(kindNode)
		}
		root.AddChild(osNode)
	}
	return root
}

func renderDeviceDetail(rec *device.Record) string {
	snap := rec.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]ID:[white] %s\n", snap.ID)
	fmt.Fprintf(&b, "[yellow]Name:[white] %s\n", snap.Name)
	fmt.Fprintf(&b, "[yellow]OS:[white] %s\n", snap.OS)
	fmt.Fprintf(&b, "[yellow]Kind:[white] %s\n", snap.Kind)
	fmt.Fprintf(&b, "[yellow]SDK:[white] %s\n", snap.SDK)
	fmt.Fprintf(&b, "[yellow]Model:[white] %s\n", snap.Model)
	fmt.Fprintf(&b, "[yellow]Dimensions:[white] %dx%d @ %.1fx\n", snap.Width, snap.Height, snap.Density)
	fmt.Fprintf(&b, "[yellow]Orientation:[white] %s\n", snap.Orientation)
	fmt.Fprintf(&b, "[yellow]State:[white] %s\n", snap.State)
	if snap.CurrentSession != "" {
		fmt.Fprintf(&b, "[yellow]Session:[white] %s\n", snap.CurrentSession)
	}
	return b.String()
}

func bootFromPicker(ctx context.Context, app *tview.Application, reg *registry.Registry, rec *device.Record, footer, detail *tview.TextView) {
	app.QueueUpdateDraw(func() {
		footer.SetText(" booting...")
	})
	orch, err := reg.OrchestratorFor(rec)
	if err == nil {
		err = orch.Boot(ctx, rec, lifecycle.BootOptions{})
	}
	app.QueueUpdateDraw(func() {
		if err != nil {
			footer.SetText(fmt.Sprintf(" boot failed: %v", err))
			return
		}
		detail.SetText(renderDeviceDetail(rec))
		footer.SetText(" b boot  Esc back  q quit")
	})
}
