package discover

import (
	"context"
	"os"
	"time"

	"github.com/Mmx233/QRT/client"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	wait time.Duration

	Cmd = &cobra.Command{
		Use:   "discover",
		Short: "Discover RT servers on the local network",
		Args:  cobra.NoArgs,
		RunE:  runDiscover,
	}
)

func init() {
	Cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "how long to wait for responses")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "discover-cmd").Logger()

	servers, err := client.Discover(context.Background(), wait)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		logger.Info().Msg("no servers found")
		return nil
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	for _, srv := range servers {
		if err := enc.Encode(srv); err != nil {
			return err
		}
	}
	return nil
}
