package handlers

import (
	"bounty-engine/middleware"
	"bounty-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupBountyRoutes(app *fiber.App,
	bountyService *services.BountyService,
	settlementService *services.SettlementService,
	updateService *services.UpdateService,
	walletService *services.WalletService) {

	// Read-only routes — gateway auth only, no user context needed
	app.Get("/bounties", bountyService.GetAllBounties)
	app.Get("/bounties/:id", bountyService.GetBountyByID)
	app.Get("/bounties/:id/leaderboard", bountyService.GetLeaderboard)
	app.Get("/bounties/:id/updates", updateService.ListBountyUpdates)
	app.Get("/bounties/:id/updates/stream", updateService.StreamBountyUpdatesSSE)
	app.Get("/wallets/:user_id", walletService.GetWallet)

	// State-changing routes — require user context from the gateway
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/bounties", bountyService.CreateBounty)
	secured.Post("/bounties/:id/join", bountyService.JoinBounty)
	secured.Patch("/bounties/:id/scores", bountyService.UpdateScoresHandler)
	secured.Post("/bounties/:id/settle", settlementService.SettleBounty)
	secured.Post("/bounties/:id/cancel", settlementService.CancelBounty)
}
