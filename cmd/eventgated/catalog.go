package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"eventgate/internal/domain"
	"eventgate/internal/partition"
	"eventgate/internal/registry"
	"eventgate/internal/storage/sqlite"

	"github.com/spf13/cobra"
)

func (c *cli) openCatalog() (*sqlite.Store, error) {
	return sqlite.NewStore(c.cfg.Storage.SQLite.Dir)
}

func newEventTypesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "event-types",
		Aliases: []string{"event-type", "et"},
		Short:   "Manage the persisted event type catalog",
	}

	var name, topic string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register or update an event type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			et := domain.EventType{Name: domain.EventTypeName(name), Topic: domain.TopicName(topic)}
			if err := registry.Validate(et); err != nil {
				return err
			}
			store, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveEventType(cmd.Context(), et); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", name)
			return nil
		},
	}
	register.Flags().StringVar(&name, "name", "", "event type name")
	register.Flags().StringVar(&topic, "topic", "", "topic the event type publishes to (empty leaves it unbound)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered event types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()
			items, err := store.ListEventTypes(cmd.Context())
			if err != nil {
				return err
			}
			return printEventTypes(cmd.OutOrStdout(), items)
		},
	}

	del := &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Delete an event type",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()
			deleted, err := store.DeleteEventType(cmd.Context(), domain.EventTypeName(args[0]))
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("EventType '%s' does not exist.", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(register, list, del)
	return cmd
}

func printEventTypes(w io.Writer, items []domain.EventType) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTOPIC\tUPDATED")
	for _, et := range items {
		topic := string(et.Topic)
		if topic == "" {
			topic = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", et.Name, topic, et.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newTopicsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage topic partitions",
	}

	var name string
	var partitions int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a topic with partitions 1..N",
		RunE: func(cmd *cobra.Command, args []string) error {
			if partitions < 1 {
				return fmt.Errorf("topic %q: %w", name, partition.ErrEmptyPartitionSet)
			}
			ids := partition.Range(partitions)
			if err := partition.NewTopology().Register(domain.TopicName(name), ids); err != nil {
				return err
			}
			store, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.CreateTopic(cmd.Context(), domain.TopicName(name), ids); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s with %d partitions\n", name, partitions)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "topic name")
	create.Flags().IntVar(&partitions, "partitions", 1, "number of partitions")

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics and their partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()
			topics, err := store.Topics(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(topics))
			for t := range topics {
				names = append(names, string(t))
			}
			sort.Strings(names)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tPARTITIONS")
			for _, n := range names {
				fmt.Fprintf(tw, "%s\t%v\n", n, topics[domain.TopicName(n)])
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}
